// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package appcontext

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequestId(t *testing.T) {
	ctx := WithRequestId(context.Background())

	id, found := RequestIdFromContext(ctx)
	assert.True(t, found)
	assert.NotEmpty(t, id)

	_, found = RequestIdFromContext(context.Background())
	assert.False(t, found)
}

func TestAuthorizedTenants(t *testing.T) {
	ctx := WithAuthorizedTenants(context.Background(), []string{"tenant-a"})

	tenants, found := AuthorizedTenantsFromContext(ctx)
	assert.True(t, found)
	assert.Equal(t, []string{"tenant-a"}, tenants)

	assert.True(t, IsAuthorizedForTenant(ctx, "tenant-a"))
	assert.False(t, IsAuthorizedForTenant(ctx, "tenant-b"))

	// no restriction means authorized for everything
	assert.True(t, IsAuthorizedForTenant(context.Background(), "tenant-b"))
}
