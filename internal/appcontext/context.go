// Copyright 2024-present FlowCore Contributors
//
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package appcontext carries request-scoped values through command
// processing: the request id, the calling client and the tenants the caller
// is authorized for.
package appcontext

import (
	"context"
	"slices"

	"github.com/google/uuid"
)

type contextKey string

const (
	requestIdKey         contextKey = "requestId"
	clientIdKey          contextKey = "clientId"
	authorizedTenantsKey contextKey = "authorizedTenants"
)

// WithRequestId attaches a fresh request id to the context.
func WithRequestId(ctx context.Context) context.Context {
	return context.WithValue(ctx, requestIdKey, uuid.NewString())
}

func RequestIdFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIdKey).(string)
	return id, ok
}

func WithClientId(ctx context.Context, clientId string) context.Context {
	return context.WithValue(ctx, clientIdKey, clientId)
}

func ClientIdFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(clientIdKey).(string)
	return id, ok
}

// WithAuthorizedTenants attaches the tenant ids the caller may act on.
func WithAuthorizedTenants(ctx context.Context, tenantIds []string) context.Context {
	return context.WithValue(ctx, authorizedTenantsKey, slices.Clone(tenantIds))
}

func AuthorizedTenantsFromContext(ctx context.Context) ([]string, bool) {
	tenants, ok := ctx.Value(authorizedTenantsKey).([]string)
	return tenants, ok
}

// IsAuthorizedForTenant reports whether the context caller may act on the
// given tenant. A context without tenant restrictions is authorized for all.
func IsAuthorizedForTenant(ctx context.Context, tenantId string) bool {
	tenants, ok := AuthorizedTenantsFromContext(ctx)
	if !ok {
		return true
	}
	return slices.Contains(tenants, tenantId)
}
