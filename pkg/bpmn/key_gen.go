// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bpmn

import (
	"github.com/bwmarrin/snowflake"
)

func (engine *Engine) generateKey() int64 {
	return engine.snowflake.Generate().Int64()
}

// CreateSnowflakeIdGenerator builds the key generator for a partition. Keys
// are monotonically increasing per partition and unique across partitions
// because the partition id is baked into the node bits.
func CreateSnowflakeIdGenerator(partitionId int32) *snowflake.Node {
	snowflakeNode, err := snowflake.NewNode(int64(partitionId))
	if err != nil {
		panic("can't initialize snowflake ID generator. Message: " + err.Error())
	}
	return snowflakeNode
}
