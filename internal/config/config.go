// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Name    string  `yaml:"name" json:"name" env:"APP_NAME" env-default:"flowcore"` // used for OTEL as an application identifier
	Server  Server  `yaml:"server" json:"server"`
	Engine  Engine  `yaml:"engine" json:"engine"`
	Tracing Tracing `yaml:"tracing" json:"tracing"`
}

type Server struct {
	// Addr serves the prometheus metrics endpoint
	Addr string `yaml:"addr" json:"addr" env:"METRICS_ADDR" env-default:":8080"`
}

type Engine struct {
	// PartitionId identifies this partition, encoded into generated keys
	PartitionId int32 `yaml:"partitionId" json:"partitionId" env:"ENGINE_PARTITION_ID" env-default:"1"`
	// PartitionCount is the total number of partitions message correlation keys hash into
	PartitionCount int32 `yaml:"partitionCount" json:"partitionCount" env:"ENGINE_PARTITION_COUNT" env-default:"1"`
	// MaxRecordSize caps the serialized size of a single written record, bytes
	MaxRecordSize int `yaml:"maxRecordSize" json:"maxRecordSize" env:"ENGINE_MAX_RECORD_SIZE" env-default:"4194304"`
}

type Tracing struct {
	Name     string `yaml:"name" json:"name" env:"TRACING_NAME"`
	Enabled  bool   `yaml:"enabled" json:"enabled" env:"TRACING_ENABLED"`
	Endpoint string `yaml:"endpoint" json:"endpoint" env:"TRACING_ENDPOINT"`
}

func (c Config) defaults() Config {
	if c.Tracing.Name == "" {
		c.Tracing.Name = c.Name
	}
	return c
}

func InitConfig() Config {
	c := Config{}
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c.defaults()
}
