package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"traceserver/internal/trace"
)

type EnsureProjectInput struct {
	Entity  string `json:"entity" jsonschema:"entity (team or user) name"`
	Project string `json:"project" jsonschema:"project name"`
}

type EnsureProjectOutput struct {
	ProjectName string `json:"project_name"`
}

type ObjCreateInput struct {
	ProjectID          string `json:"project_id" jsonschema:"entity/project to store the object in"`
	ObjectID           string `json:"object_id" jsonschema:"object name"`
	Val                any    `json:"val" jsonschema:"object value"`
	BuiltinObjectClass string `json:"builtin_object_class,omitempty" jsonschema:"builtin class to validate the value against"`
}

type ObjCreateOutput struct {
	Digest string `json:"digest"`
}

type ObjReadInput struct {
	ProjectID     string `json:"project_id" jsonschema:"entity/project of the object"`
	ObjectID      string `json:"object_id" jsonschema:"object name"`
	DigestOrAlias string `json:"digest_or_alias,omitempty" jsonschema:"digest, version alias like v0, or custom alias; latest when empty"`
}

type ObjQueryInput struct {
	ProjectID         string   `json:"project_id" jsonschema:"entity/project to search"`
	ObjectIDs         []string `json:"object_ids,omitempty" jsonschema:"object names"`
	ObjectIDPrefix    string   `json:"object_id_prefix,omitempty" jsonschema:"object name prefix"`
	BaseObjectClasses []string `json:"base_object_classes,omitempty" jsonschema:"base classes"`
	LeafObjectClasses []string `json:"leaf_object_classes,omitempty" jsonschema:"leaf classes"`
	Digests           []string `json:"digests,omitempty" jsonschema:"digests"`
	LatestOnly        bool     `json:"latest_only,omitempty" jsonschema:"only the latest version of each object"`
	IsOp              *bool    `json:"is_op,omitempty" jsonschema:"only ops, or only non-op objects"`
	SortBy            string   `json:"sort_by,omitempty" jsonschema:"created_at or object_id"`
	Desc              bool     `json:"desc,omitempty" jsonschema:"descending order"`
	Limit             int      `json:"limit,omitempty" jsonschema:"page size"`
	Offset            int      `json:"offset,omitempty" jsonschema:"rows to skip"`
	MetadataOnly      bool     `json:"metadata_only,omitempty" jsonschema:"omit values"`
}

type ObjQueryOutput struct {
	Objects []ObjectOutput `json:"objects"`
}

type ObjectOutput struct {
	ObjectID        string `json:"object_id"`
	Digest          string `json:"digest"`
	Kind            string `json:"kind"`
	BaseObjectClass string `json:"base_object_class,omitempty"`
	LeafObjectClass string `json:"leaf_object_class,omitempty"`
	VersionIndex    int    `json:"version_index"`
	IsLatest        bool   `json:"is_latest"`
	CreatedAt       string `json:"created_at"`
	Val             any    `json:"val,omitempty"`
}

type ObjDeleteInput struct {
	ProjectID string   `json:"project_id" jsonschema:"entity/project of the object"`
	ObjectID  string   `json:"object_id" jsonschema:"object name"`
	Digests   []string `json:"digests,omitempty" jsonschema:"versions to delete; all when empty"`
}

type ObjDeleteOutput struct {
	NumDeleted int64 `json:"num_deleted"`
}

type ObjSetAliasInput struct {
	ProjectID string `json:"project_id" jsonschema:"entity/project of the object"`
	ObjectID  string `json:"object_id" jsonschema:"object name"`
	Alias     string `json:"alias" jsonschema:"alias name"`
	Digest    string `json:"digest" jsonschema:"version the alias points at"`
}

type TableCreateInput struct {
	ProjectID string           `json:"project_id" jsonschema:"entity/project to store the table in"`
	Rows      []map[string]any `json:"rows" jsonschema:"table rows"`
}

type TableCreateOutput struct {
	Digest     string   `json:"digest"`
	RowDigests []string `json:"row_digests"`
}

type TableUpdateInput struct {
	ProjectID  string            `json:"project_id" jsonschema:"entity/project of the table"`
	BaseDigest string            `json:"base_digest" jsonschema:"table to derive from"`
	Updates    []TableUpdateStep `json:"updates" jsonschema:"edits applied in order"`
}

type TableUpdateStep struct {
	Op    string         `json:"op" jsonschema:"append, pop or insert"`
	Index int            `json:"index,omitempty" jsonschema:"row index for pop and insert"`
	Row   map[string]any `json:"row,omitempty" jsonschema:"row for append and insert"`
}

type TableUpdateOutput struct {
	Digest            string   `json:"digest"`
	UpdatedRowDigests []string `json:"updated_row_digests"`
}

type TableQueryInput struct {
	ProjectID  string   `json:"project_id" jsonschema:"entity/project of the table"`
	Digest     string   `json:"digest" jsonschema:"table digest"`
	RowDigests []string `json:"row_digests,omitempty" jsonschema:"only these rows"`
	Limit      int      `json:"limit,omitempty" jsonschema:"page size"`
	Offset     int      `json:"offset,omitempty" jsonschema:"rows to skip"`
}

type TableQueryOutput struct {
	Rows []TableRowOutput `json:"rows"`
}

type TableRowOutput struct {
	Digest string `json:"digest"`
	Val    any    `json:"val"`
}

type TableStatsInput struct {
	ProjectID string   `json:"project_id" jsonschema:"entity/project of the tables"`
	Digests   []string `json:"digests" jsonschema:"table digests"`
}

type TableStatsOutput struct {
	Tables []TableStatOutput `json:"tables"`
}

type TableStatOutput struct {
	Digest           string `json:"digest"`
	RowCount         int64  `json:"row_count"`
	StorageSizeBytes int64  `json:"storage_size_bytes"`
}

type RefsReadInput struct {
	Refs []string `json:"refs" jsonschema:"weave:/// refs to resolve"`
}

type RefsReadOutput struct {
	Vals []any `json:"vals"`
}

type FileCreateInput struct {
	ProjectID string `json:"project_id" jsonschema:"entity/project to store the file in"`
	Name      string `json:"name" jsonschema:"file name"`
	Content   string `json:"content" jsonschema:"file content"`
}

type FileCreateOutput struct {
	Digest string `json:"digest"`
}

type FileReadInput struct {
	ProjectID string `json:"project_id" jsonschema:"entity/project of the file"`
	Digest    string `json:"digest" jsonschema:"file digest"`
}

type FileReadOutput struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

func (s *Server) registerObjectTools() {
	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "ensure_project",
		Description: "Create a project if it does not exist",
	}, s.handleEnsureProject)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "obj_create",
		Description: "Store a new version of an object",
	}, s.handleObjCreate)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "obj_read",
		Description: "Read one object version by digest or alias",
	}, s.handleObjRead)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "objs_query",
		Description: "List object versions matching a filter",
	}, s.handleObjsQuery)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "obj_delete",
		Description: "Delete object versions",
	}, s.handleObjDelete)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "obj_set_alias",
		Description: "Point a custom alias at an object version",
	}, s.handleObjSetAlias)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "refs_read_batch",
		Description: "Resolve weave:/// refs to their values",
	}, s.handleRefsRead)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "file_create",
		Description: "Store a file by content digest",
	}, s.handleFileCreate)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "file_content_read",
		Description: "Read a stored file",
	}, s.handleFileRead)
}

func (s *Server) registerTableTools() {
	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "table_create",
		Description: "Store a table of rows",
	}, s.handleTableCreate)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "table_update",
		Description: "Derive a new table by appending, popping or inserting rows",
	}, s.handleTableUpdate)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "table_query",
		Description: "Read rows of a table in order",
	}, s.handleTableQuery)

	sdk.AddTool(s.mcp, &sdk.Tool{
		Name:        "table_query_stats",
		Description: "Row counts and sizes of tables",
	}, s.handleTableStats)
}

func (s *Server) handleEnsureProject(ctx context.Context, req *sdk.CallToolRequest, input EnsureProjectInput) (*sdk.CallToolResult, EnsureProjectOutput, error) {
	res, err := s.trace.EnsureProjectExists(ctx, input.Entity, input.Project)
	if err != nil {
		return nil, EnsureProjectOutput{}, err
	}
	return nil, EnsureProjectOutput{ProjectName: res.ProjectName}, nil
}

func (s *Server) handleObjCreate(ctx context.Context, req *sdk.CallToolRequest, input ObjCreateInput) (*sdk.CallToolResult, ObjCreateOutput, error) {
	val, err := toRaw(input.Val)
	if err != nil {
		return nil, ObjCreateOutput{}, err
	}
	res, err := s.trace.ObjCreate(ctx, trace.ObjCreateReq{
		ProjectID:          input.ProjectID,
		ObjectID:           input.ObjectID,
		Val:                val,
		BuiltinObjectClass: input.BuiltinObjectClass,
	})
	if err != nil {
		return nil, ObjCreateOutput{}, err
	}
	return nil, ObjCreateOutput{Digest: res.Digest}, nil
}

func (s *Server) handleObjRead(ctx context.Context, req *sdk.CallToolRequest, input ObjReadInput) (*sdk.CallToolResult, ObjectOutput, error) {
	obj, err := s.trace.ObjRead(ctx, trace.ObjReadReq{ProjectID: input.ProjectID, ObjectID: input.ObjectID, DigestOrAlias: input.DigestOrAlias})
	if err != nil {
		return nil, ObjectOutput{}, err
	}
	return nil, objectOutput(obj), nil
}

func (s *Server) handleObjsQuery(ctx context.Context, req *sdk.CallToolRequest, input ObjQueryInput) (*sdk.CallToolResult, ObjQueryOutput, error) {
	objs, err := s.trace.ObjsQuery(ctx, trace.ObjQueryReq{
		ProjectID: input.ProjectID,
		Filter: trace.ObjFilter{
			ObjectIDs:         input.ObjectIDs,
			ObjectIDPrefix:    input.ObjectIDPrefix,
			BaseObjectClasses: input.BaseObjectClasses,
			LeafObjectClasses: input.LeafObjectClasses,
			Digests:           input.Digests,
			LatestOnly:        input.LatestOnly,
			IsOp:              input.IsOp,
		},
		Sort:         sortBy(input.SortBy, input.Desc),
		Limit:        input.Limit,
		Offset:       input.Offset,
		MetadataOnly: input.MetadataOnly,
	})
	if err != nil {
		return nil, ObjQueryOutput{}, err
	}
	out := make([]ObjectOutput, 0, len(objs))
	for i := range objs {
		out = append(out, objectOutput(&objs[i]))
	}
	return nil, ObjQueryOutput{Objects: out}, nil
}

func (s *Server) handleObjDelete(ctx context.Context, req *sdk.CallToolRequest, input ObjDeleteInput) (*sdk.CallToolResult, ObjDeleteOutput, error) {
	res, err := s.trace.ObjDelete(ctx, trace.ObjDeleteReq{ProjectID: input.ProjectID, ObjectID: input.ObjectID, Digests: input.Digests})
	if err != nil {
		return nil, ObjDeleteOutput{}, err
	}
	return nil, ObjDeleteOutput{NumDeleted: res.NumDeleted}, nil
}

func (s *Server) handleObjSetAlias(ctx context.Context, req *sdk.CallToolRequest, input ObjSetAliasInput) (*sdk.CallToolResult, EmptyOutput, error) {
	err := s.trace.ObjSetAlias(ctx, trace.ObjSetAliasReq{
		ProjectID: input.ProjectID,
		ObjectID:  input.ObjectID,
		Alias:     input.Alias,
		Digest:    input.Digest,
	})
	return nil, EmptyOutput{}, err
}

func (s *Server) handleTableCreate(ctx context.Context, req *sdk.CallToolRequest, input TableCreateInput) (*sdk.CallToolResult, TableCreateOutput, error) {
	rows := make([]json.RawMessage, 0, len(input.Rows))
	for _, row := range input.Rows {
		raw, err := toRaw(mapOrNil(row))
		if err != nil {
			return nil, TableCreateOutput{}, err
		}
		rows = append(rows, raw)
	}
	res, err := s.trace.TableCreate(ctx, trace.TableCreateReq{ProjectID: input.ProjectID, Rows: rows})
	if err != nil {
		return nil, TableCreateOutput{}, err
	}
	return nil, TableCreateOutput{Digest: res.Digest, RowDigests: strs(res.RowDigests)}, nil
}

func (s *Server) handleTableUpdate(ctx context.Context, req *sdk.CallToolRequest, input TableUpdateInput) (*sdk.CallToolResult, TableUpdateOutput, error) {
	updates := make([]trace.TableUpdateOp, 0, len(input.Updates))
	for i, step := range input.Updates {
		row, err := toRaw(mapOrNil(step.Row))
		if err != nil {
			return nil, TableUpdateOutput{}, err
		}
		switch step.Op {
		case "append":
			updates = append(updates, trace.TableUpdateOp{Append: &trace.TableAppend{Row: row}})
		case "pop":
			updates = append(updates, trace.TableUpdateOp{Pop: &trace.TablePop{Index: step.Index}})
		case "insert":
			updates = append(updates, trace.TableUpdateOp{Insert: &trace.TableInsert{Index: step.Index, Row: row}})
		default:
			return nil, TableUpdateOutput{}, fmt.Errorf("update %d: unknown op %q", i, step.Op)
		}
	}
	res, err := s.trace.TableUpdate(ctx, trace.TableUpdateReq{ProjectID: input.ProjectID, BaseDigest: input.BaseDigest, Updates: updates})
	if err != nil {
		return nil, TableUpdateOutput{}, err
	}
	return nil, TableUpdateOutput{Digest: res.Digest, UpdatedRowDigests: strs(res.UpdatedRowDigests)}, nil
}

func (s *Server) handleTableQuery(ctx context.Context, req *sdk.CallToolRequest, input TableQueryInput) (*sdk.CallToolResult, TableQueryOutput, error) {
	rows, err := s.trace.TableQuery(ctx, trace.TableQueryReq{
		ProjectID: input.ProjectID,
		Digest:    input.Digest,
		Filter:    trace.TableRowFilter{RowDigests: input.RowDigests},
		Limit:     input.Limit,
		Offset:    input.Offset,
	})
	if err != nil {
		return nil, TableQueryOutput{}, err
	}
	out := make([]TableRowOutput, 0, len(rows))
	for _, row := range rows {
		out = append(out, TableRowOutput{Digest: row.Digest, Val: fromRaw(row.Val)})
	}
	return nil, TableQueryOutput{Rows: out}, nil
}

func (s *Server) handleTableStats(ctx context.Context, req *sdk.CallToolRequest, input TableStatsInput) (*sdk.CallToolResult, TableStatsOutput, error) {
	stats, err := s.trace.TableQueryStatsBatch(ctx, trace.TableQueryStatsBatchReq{ProjectID: input.ProjectID, Digests: input.Digests})
	if err != nil {
		return nil, TableStatsOutput{}, err
	}
	out := make([]TableStatOutput, 0, len(stats))
	for _, st := range stats {
		out = append(out, TableStatOutput{Digest: st.Digest, RowCount: st.RowCount, StorageSizeBytes: st.StorageSizeBytes})
	}
	return nil, TableStatsOutput{Tables: out}, nil
}

func (s *Server) handleRefsRead(ctx context.Context, req *sdk.CallToolRequest, input RefsReadInput) (*sdk.CallToolResult, RefsReadOutput, error) {
	res, err := s.trace.RefsReadBatch(ctx, trace.RefsReadBatchReq{Refs: input.Refs})
	if err != nil {
		return nil, RefsReadOutput{}, err
	}
	vals := make([]any, 0, len(res.Vals))
	for _, v := range res.Vals {
		vals = append(vals, fromRaw(v))
	}
	return nil, RefsReadOutput{Vals: vals}, nil
}

func (s *Server) handleFileCreate(ctx context.Context, req *sdk.CallToolRequest, input FileCreateInput) (*sdk.CallToolResult, FileCreateOutput, error) {
	res, err := s.trace.FileCreate(ctx, trace.FileCreateReq{ProjectID: input.ProjectID, Name: input.Name, Content: []byte(input.Content)})
	if err != nil {
		return nil, FileCreateOutput{}, err
	}
	return nil, FileCreateOutput{Digest: res.Digest}, nil
}

func (s *Server) handleFileRead(ctx context.Context, req *sdk.CallToolRequest, input FileReadInput) (*sdk.CallToolResult, FileReadOutput, error) {
	res, err := s.trace.FileContentRead(ctx, trace.FileContentReadReq{ProjectID: input.ProjectID, Digest: input.Digest})
	if err != nil {
		return nil, FileReadOutput{}, err
	}
	return nil, FileReadOutput{Name: res.Name, Content: string(res.Content)}, nil
}

func objectOutput(o *trace.Object) ObjectOutput {
	return ObjectOutput{
		ObjectID:        o.ObjectID,
		Digest:          o.Digest,
		Kind:            o.Kind,
		BaseObjectClass: o.BaseObjectClass,
		LeafObjectClass: o.LeafObjectClass,
		VersionIndex:    o.VersionIndex,
		IsLatest:        o.IsLatest,
		CreatedAt:       formatTime(o.CreatedAt),
		Val:             fromRaw(o.Val),
	}
}
