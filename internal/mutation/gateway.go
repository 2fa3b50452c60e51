// Package mutation wraps every document-store write with uniform failure capture.
// Callers always get an Outcome back; permission-denied failures are additionally
// published to the security-event bus with the attempted payload echoed verbatim.
// One-shot reads pass through the same gateway so a denied read is reported too.
package mutation

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"medsync/internal/domain"
	"medsync/internal/eventbus"
	"medsync/internal/query"
	"medsync/internal/store"
)

// BatchPathPrefix 批量写失败时的合成路径前缀
const BatchPathPrefix = "batch:"

// Gateway 写操作网关（不重试）
type Gateway struct {
	client store.Client
	bus    *eventbus.Bus
	logger *zap.Logger
	hooks  []func(paths []string)
}

// Option Gateway 选项
type Option func(*Gateway)

// WithWriteHook 写入成功后以受影响的文档路径调用 hook（同步，在返回 Outcome 之前）
func WithWriteHook(hook func(paths []string)) Option {
	return func(g *Gateway) { g.hooks = append(g.hooks, hook) }
}

func NewGateway(client store.Client, bus *eventbus.Bus, logger *zap.Logger, opts ...Option) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{client: client, bus: bus, logger: logger}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Get 一次性读取；权限拒绝以 read（文档）或 list（集合）上报，错误原样返回
func (g *Gateway) Get(ctx context.Context, d *query.Descriptor) ([]domain.Record, error) {
	recs, err := g.client.Get(ctx, d)
	if err != nil {
		if store.IsPermissionDenied(err) && g.bus != nil {
			g.bus.Emit(domain.NewPermissionError(store.FailurePath(err, d), store.ReadOp(d), nil))
		}
		return nil, err
	}
	return recs, nil
}

// Create 在集合中追加新文档，成功时 Ref 为新文档路径
func (g *Gateway) Create(ctx context.Context, collection string, payload map[string]any) Outcome {
	ref, err := g.client.Create(ctx, collection, payload)
	if err != nil {
		return g.fail(err, FailureContext{Path: collection, Operation: domain.OpCreate, Payload: payload})
	}
	return g.succeed(domain.OpCreate, ref, ref)
}

// Set 整体写入文档；merge 模式标记为 update，替换模式标记为 create
func (g *Gateway) Set(ctx context.Context, docPath string, payload map[string]any, merge bool) Outcome {
	op := domain.OpCreate
	if merge {
		op = domain.OpUpdate
	}
	if err := g.client.Set(ctx, docPath, payload, merge); err != nil {
		return g.fail(err, FailureContext{Path: docPath, Operation: op, Payload: payload})
	}
	return g.succeed(op, docPath, docPath)
}

// Update 部分更新已存在的文档
func (g *Gateway) Update(ctx context.Context, docPath string, payload map[string]any) Outcome {
	if err := g.client.Update(ctx, docPath, payload); err != nil {
		return g.fail(err, FailureContext{Path: docPath, Operation: domain.OpUpdate, Payload: payload})
	}
	return g.succeed(domain.OpUpdate, docPath, docPath)
}

// Delete 删除文档
func (g *Gateway) Delete(ctx context.Context, docPath string) Outcome {
	if err := g.client.Delete(ctx, docPath); err != nil {
		return g.fail(err, FailureContext{Path: docPath, Operation: domain.OpDelete})
	}
	return g.succeed(domain.OpDelete, docPath, docPath)
}

// Commit 原子提交批量写；失败路径为 "batch:<description>"
func (g *Gateway) Commit(ctx context.Context, description string, b *store.Batch) Outcome {
	if err := g.client.Commit(ctx, b); err != nil {
		return g.fail(err, FailureContext{
			Path:      BatchPathPrefix + description,
			Operation: domain.OpWrite,
			Payload:   b.Ops(),
		})
	}
	ops := b.Ops()
	paths := make([]string, 0, len(ops))
	for _, op := range ops {
		paths = append(paths, op.Path)
	}
	return g.succeed(domain.OpWrite, "", paths...)
}

func (g *Gateway) succeed(op domain.Operation, ref string, paths ...string) Outcome {
	mutationsTotal.WithLabelValues(string(op), "ok").Inc()
	for _, hook := range g.hooks {
		hook(paths)
	}
	return success(ref)
}

func (g *Gateway) fail(err error, fc FailureContext) Outcome {
	out := failure(fmt.Errorf("%s %s: %w", fc.Operation, fc.Path, err), fc)
	mutationsTotal.WithLabelValues(string(fc.Operation), string(out.Kind)).Inc()

	if out.PermissionDenied() {
		if g.bus != nil {
			g.bus.Emit(domain.NewPermissionError(fc.Path, fc.Operation, fc.Payload))
		}
		return out
	}
	g.logger.Warn("Mutation failed",
		zap.String("path", fc.Path),
		zap.String("operation", string(fc.Operation)),
		zap.String("kind", string(out.Kind)),
		zap.Error(err),
	)
	return out
}
