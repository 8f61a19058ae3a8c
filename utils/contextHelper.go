package utils

import (
	"context"

	"github.com/mmdatafocus/stock_batches/appctx"
)

var (
	ContextKeyUserName      = appctx.ContextKeyUserName
	ContextKeyTerminalId    = appctx.ContextKeyTerminalId
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
)

// SystemActor is recorded on audit rows written without a user in context.
const SystemActor = "system"

func GetUserNameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyUserName)
}

// GetActorFromContext returns the user name, falling back to SystemActor.
func GetActorFromContext(ctx context.Context) string {
	if ctx == nil {
		return SystemActor
	}
	if name, ok := GetUserNameFromContext(ctx); ok && name != "" {
		return name
	}
	return SystemActor
}

func GetTerminalIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyTerminalId)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func SetUserNameInContext(ctx context.Context, userName string) context.Context {
	return appctx.Set(ctx, ContextKeyUserName, userName)
}

func SetTerminalIdInContext(ctx context.Context, terminalId string) context.Context {
	return appctx.Set(ctx, ContextKeyTerminalId, terminalId)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, correlationId)
}
