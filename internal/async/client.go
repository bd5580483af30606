package async

import (
	"context"
	"iter"

	"traceserver/internal/trace"
)

// streamBuffer is how many items a stream worker may run ahead of its reader.
const streamBuffer = 64

// Client exposes the trace server operations as futures.
type Client struct {
	srv  *trace.Server
	pool *Pool
}

func NewClient(srv *trace.Server, workers int) *Client {
	return &Client{srv: srv, pool: NewPool(workers)}
}

func call[Req, Res any](ctx context.Context, c *Client, op func(context.Context, Req) (Res, error), req Req) *Future[Res] {
	return Go(ctx, c.pool, func(ctx context.Context) (Res, error) { return op(ctx, req) })
}

func exec[Req any](ctx context.Context, c *Client, op func(context.Context, Req) error, req Req) *Future[struct{}] {
	return Go(ctx, c.pool, func(ctx context.Context) (struct{}, error) { return struct{}{}, op(ctx, req) })
}

func stream[Req, T any](ctx context.Context, c *Client, op func(context.Context, Req) iter.Seq2[T, error], req Req) *Stream[T] {
	return GoStream(ctx, c.pool, streamBuffer, func(ctx context.Context) iter.Seq2[T, error] { return op(ctx, req) })
}

func (c *Client) EnsureProjectExists(ctx context.Context, entity, project string) *Future[*trace.EnsureProjectRes] {
	return Go(ctx, c.pool, func(ctx context.Context) (*trace.EnsureProjectRes, error) {
		return c.srv.EnsureProjectExists(ctx, entity, project)
	})
}

func (c *Client) CallStart(ctx context.Context, req trace.CallStartReq) *Future[*trace.CallStartRes] {
	return call(ctx, c, c.srv.CallStart, req)
}

func (c *Client) CallEnd(ctx context.Context, req trace.CallEndReq) *Future[struct{}] {
	return exec(ctx, c, c.srv.CallEnd, req)
}

func (c *Client) CallUpdate(ctx context.Context, req trace.CallUpdateReq) *Future[struct{}] {
	return exec(ctx, c, c.srv.CallUpdate, req)
}

func (c *Client) CallBatch(ctx context.Context, req trace.CallBatchReq) *Future[*trace.CallBatchRes] {
	return call(ctx, c, c.srv.CallBatch, req)
}

func (c *Client) CallRead(ctx context.Context, req trace.CallReadReq) *Future[*trace.Call] {
	return call(ctx, c, c.srv.CallRead, req)
}

func (c *Client) CallsQuery(ctx context.Context, req trace.CallsQueryReq) *Future[[]trace.Call] {
	return call(ctx, c, c.srv.CallsQuery, req)
}

// CallsQueryStream streams matching calls from a pool worker.
func (c *Client) CallsQueryStream(ctx context.Context, req trace.CallsQueryReq) *Stream[trace.Call] {
	return stream(ctx, c, c.srv.CallsQueryStream, req)
}

func (c *Client) CallsQueryStats(ctx context.Context, req trace.CallsQueryStatsReq) *Future[*trace.CallsQueryStatsRes] {
	return call(ctx, c, c.srv.CallsQueryStats, req)
}

func (c *Client) CallsDelete(ctx context.Context, req trace.CallsDeleteReq) *Future[*trace.CallsDeleteRes] {
	return call(ctx, c, c.srv.CallsDelete, req)
}

func (c *Client) ObjCreate(ctx context.Context, req trace.ObjCreateReq) *Future[*trace.ObjCreateRes] {
	return call(ctx, c, c.srv.ObjCreate, req)
}

func (c *Client) ObjRead(ctx context.Context, req trace.ObjReadReq) *Future[*trace.Object] {
	return call(ctx, c, c.srv.ObjRead, req)
}

func (c *Client) ObjsQuery(ctx context.Context, req trace.ObjQueryReq) *Future[[]trace.Object] {
	return call(ctx, c, c.srv.ObjsQuery, req)
}

func (c *Client) ObjDelete(ctx context.Context, req trace.ObjDeleteReq) *Future[*trace.ObjDeleteRes] {
	return call(ctx, c, c.srv.ObjDelete, req)
}

func (c *Client) ObjSetAlias(ctx context.Context, req trace.ObjSetAliasReq) *Future[struct{}] {
	return exec(ctx, c, c.srv.ObjSetAlias, req)
}

func (c *Client) TableCreate(ctx context.Context, req trace.TableCreateReq) *Future[*trace.TableCreateRes] {
	return call(ctx, c, c.srv.TableCreate, req)
}

func (c *Client) TableUpdate(ctx context.Context, req trace.TableUpdateReq) *Future[*trace.TableUpdateRes] {
	return call(ctx, c, c.srv.TableUpdate, req)
}

func (c *Client) TableQuery(ctx context.Context, req trace.TableQueryReq) *Future[[]trace.TableRow] {
	return call(ctx, c, c.srv.TableQuery, req)
}

func (c *Client) TableQueryStats(ctx context.Context, req trace.TableQueryStatsReq) *Future[*trace.TableStats] {
	return call(ctx, c, c.srv.TableQueryStats, req)
}

func (c *Client) TableQueryStream(ctx context.Context, req trace.TableQueryReq) *Stream[trace.TableRow] {
	return stream(ctx, c, c.srv.TableQueryStream, req)
}

func (c *Client) TableQueryStatsBatch(ctx context.Context, req trace.TableQueryStatsBatchReq) *Future[[]trace.TableStats] {
	return call(ctx, c, c.srv.TableQueryStatsBatch, req)
}

func (c *Client) RefsReadBatch(ctx context.Context, req trace.RefsReadBatchReq) *Future[*trace.RefsReadBatchRes] {
	return call(ctx, c, c.srv.RefsReadBatch, req)
}

func (c *Client) FeedbackCreate(ctx context.Context, req trace.FeedbackCreateReq) *Future[*trace.FeedbackCreateRes] {
	return call(ctx, c, c.srv.FeedbackCreate, req)
}

func (c *Client) FeedbackQuery(ctx context.Context, req trace.FeedbackQueryReq) *Future[[]trace.Feedback] {
	return call(ctx, c, c.srv.FeedbackQuery, req)
}

func (c *Client) FeedbackPurge(ctx context.Context, req trace.FeedbackPurgeReq) *Future[*trace.PurgeRes] {
	return call(ctx, c, c.srv.FeedbackPurge, req)
}

func (c *Client) CostCreate(ctx context.Context, req trace.CostCreateReq) *Future[*trace.CostCreateRes] {
	return call(ctx, c, c.srv.CostCreate, req)
}

func (c *Client) CostQuery(ctx context.Context, req trace.CostQueryReq) *Future[[]trace.Cost] {
	return call(ctx, c, c.srv.CostQuery, req)
}

func (c *Client) CostPurge(ctx context.Context, req trace.CostPurgeReq) *Future[*trace.PurgeRes] {
	return call(ctx, c, c.srv.CostPurge, req)
}

func (c *Client) FileCreate(ctx context.Context, req trace.FileCreateReq) *Future[*trace.FileCreateRes] {
	return call(ctx, c, c.srv.FileCreate, req)
}

func (c *Client) FileContentRead(ctx context.Context, req trace.FileContentReadReq) *Future[*trace.FileContentReadRes] {
	return call(ctx, c, c.srv.FileContentRead, req)
}
