package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lattice-hq/lattice/internal/domain"
	"github.com/lattice-hq/lattice/internal/port/database"
)

const builtinApp = "lattice"

// RegisterBuiltins adds the local knowledge-base tools backed by the store.
func RegisterBuiltins(r *Registry, store database.Store) error {
	builtins := []Tool{
		&Func{Meta: searchRecordsInfo, Fn: searchRecords(store)},
		&Func{Meta: getRecordInfo, Fn: getRecord(store)},
		&Func{Meta: listGroupsInfo, Fn: listGroups(store)},
		&Func{Meta: listConnectorsInfo, Fn: listConnectors(store)},
	}
	for _, t := range builtins {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

var searchRecordsInfo = Info{
	Name:        "search_records",
	Description: "Search indexed records by text query and return matching records with their status.",
	Params: []Param{
		{Name: "query", Type: "string", Description: "Text to search for", Required: true},
		{Name: "limit", Type: "integer", Description: "Maximum results to return (default 10)"},
	},
	App:    builtinApp,
	Source: "builtin",
}

func searchRecords(store database.Store) func(ctx context.Context, args map[string]any) (Result, error) {
	return func(ctx context.Context, args map[string]any) (Result, error) {
		query, err := StringArg(args, "query")
		if err != nil {
			return Result{Success: false, Error: err.Error()}, nil
		}
		limit, err := IntArg(args, "limit", 10)
		if err != nil {
			return Result{Success: false, Error: err.Error()}, nil
		}
		records, err := store.SearchRecords(ctx, query, limit)
		if err != nil {
			return Result{}, fmt.Errorf("search records: %w", err)
		}
		return jsonResult(records)
	}
}

var getRecordInfo = Info{
	Name:        "get_record",
	Description: "Fetch one record by ID, including its indexed fragments.",
	Params: []Param{
		{Name: "record_id", Type: "string", Description: "Record ID", Required: true},
	},
	App:    builtinApp,
	Source: "builtin",
}

func getRecord(store database.Store) func(ctx context.Context, args map[string]any) (Result, error) {
	return func(ctx context.Context, args map[string]any) (Result, error) {
		id, err := StringArg(args, "record_id")
		if err != nil {
			return Result{Success: false, Error: err.Error()}, nil
		}
		rec, err := store.GetRecord(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return Result{Success: false, Error: fmt.Sprintf("record %s not found", id)}, nil
		}
		if err != nil {
			return Result{}, fmt.Errorf("get record: %w", err)
		}
		frags, err := store.ListFragments(ctx, id)
		if err != nil {
			return Result{}, fmt.Errorf("list fragments: %w", err)
		}
		return jsonResult(map[string]any{"record": rec, "fragments": frags})
	}
}

var listGroupsInfo = Info{
	Name:        "list_groups",
	Description: "List the record groups synced by a connector.",
	Params: []Param{
		{Name: "connector_id", Type: "string", Description: "Connector ID", Required: true},
	},
	App:    builtinApp,
	Source: "builtin",
}

func listGroups(store database.Store) func(ctx context.Context, args map[string]any) (Result, error) {
	return func(ctx context.Context, args map[string]any) (Result, error) {
		id, err := StringArg(args, "connector_id")
		if err != nil {
			return Result{Success: false, Error: err.Error()}, nil
		}
		groups, err := store.ListGroups(ctx, id)
		if err != nil {
			return Result{}, fmt.Errorf("list groups: %w", err)
		}
		return jsonResult(groups)
	}
}

var listConnectorsInfo = Info{
	Name:        "list_connectors",
	Description: "List configured connectors and their sync status.",
	App:         builtinApp,
	Source:      "builtin",
}

func listConnectors(store database.Store) func(ctx context.Context, args map[string]any) (Result, error) {
	return func(ctx context.Context, args map[string]any) (Result, error) {
		conns, err := store.ListConnectors(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("list connectors: %w", err)
		}
		return jsonResult(conns)
	}
}

func jsonResult(v any) (Result, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return Result{}, fmt.Errorf("encode result: %w", err)
	}
	return Result{Success: true, Content: string(data)}, nil
}
