package compiler

import (
	"encoding/json"
	"fmt"
)

// Table is the control-plane view of one match-action table.
type Table struct {
	Name      string   `json:"name"`
	ID        int      `json:"id"`
	MatchType string   `json:"match_type"`
	Keys      []string `json:"keys"`
	Actions   []string `json:"actions"`
	MaxSize   int      `json:"max_size"`
}

// Register is a register array declared by the program.
type Register struct {
	Name     string `json:"name"`
	ID       int    `json:"id"`
	Size     int    `json:"size"`
	Bitwidth int    `json:"bitwidth"`
}

type bmv2Program struct {
	RegisterArrays []Register `json:"register_arrays"`
	Pipelines      []struct {
		Name   string `json:"name"`
		Tables []struct {
			Name      string `json:"name"`
			ID        int    `json:"id"`
			MatchType string `json:"match_type"`
			MaxSize   int    `json:"max_size"`
			Key       []struct {
				Name      string `json:"name"`
				MatchType string `json:"match_type"`
			} `json:"key"`
			Actions []string `json:"actions"`
		} `json:"tables"`
	} `json:"pipelines"`
}

// ParseBMv2 extracts table definitions from a bmv2 JSON document.
// Table IDs are renumbered across pipelines so they are unique.
func ParseBMv2(data []byte) ([]Table, error) {
	var prog bmv2Program
	if err := json.Unmarshal(data, &prog); err != nil {
		return nil, fmt.Errorf("parse bmv2 json: %w", err)
	}
	var out []Table
	for _, p := range prog.Pipelines {
		for _, t := range p.Tables {
			tbl := Table{
				Name:      t.Name,
				ID:        len(out),
				MatchType: t.MatchType,
				Actions:   append([]string(nil), t.Actions...),
				MaxSize:   t.MaxSize,
			}
			for _, k := range t.Key {
				tbl.Keys = append(tbl.Keys, k.Name)
			}
			out = append(out, tbl)
		}
	}
	return out, nil
}

// ParseRegisters extracts register arrays from a bmv2 JSON document.
func ParseRegisters(data []byte) ([]Register, error) {
	var prog bmv2Program
	if err := json.Unmarshal(data, &prog); err != nil {
		return nil, fmt.Errorf("parse bmv2 json: %w", err)
	}
	return prog.RegisterArrays, nil
}
