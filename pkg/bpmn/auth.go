// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package bpmn

import (
	"context"

	"github.com/flowcorehq/flowcore/internal/appcontext"
	"github.com/flowcorehq/flowcore/pkg/bpmn/record"
)

// DefaultTenantId is assumed wherever a command omits the tenant.
const DefaultTenantId = "<default>"

func tenantOrDefault(tenantId string) string {
	if tenantId == "" {
		return DefaultTenantId
	}
	return tenantId
}

// rejectUnauthorizedTenant guards commands that create new state in a tenant.
// Internal follow-ups bypass the check.
func rejectUnauthorizedTenant(ctx context.Context, cmd *command, tenantId string) *record.Rejection {
	if cmd.internal || appcontext.IsAuthorizedForTenant(ctx, tenantId) {
		return nil
	}
	rejection := record.Rejectionf(record.RejectionUnauthorized,
		"not authorized to access tenant '%s'", tenantId)
	return &rejection
}

// rejectHiddenTenantResource guards commands addressing an existing resource.
// An existing resource in a foreign tenant is reported as missing, so callers
// cannot probe for keys across tenants.
func rejectHiddenTenantResource(ctx context.Context, cmd *command, tenantId string, notFound record.Rejection) *record.Rejection {
	if cmd.internal || appcontext.IsAuthorizedForTenant(ctx, tenantId) {
		return nil
	}
	return &notFound
}
