// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

package models

import (
	"fmt"
	"sort"
)

// PrinterRole distinguishes a customer receipt printer from a prep station.
type PrinterRole string

const (
	// RoleMain prints a flat customer-facing receipt.
	RoleMain PrinterRole = "main"
	// RoleStation prints a kitchen ticket grouped by category.
	RoleStation PrinterRole = "station"
)

// ParsePrinterRole converts a config string to a role.
func ParsePrinterRole(s string) (PrinterRole, error) {
	switch PrinterRole(s) {
	case RoleMain, RoleStation:
		return PrinterRole(s), nil
	case "":
		return RoleMain, nil
	}
	return "", fmt.Errorf("unknown printer role %q", s)
}

// SelectionKind tags a CategorySelection.
type SelectionKind int

const (
	// SelectNone selects no categories.
	SelectNone SelectionKind = iota
	// SelectAll selects every item regardless of category.
	SelectAll
	// SelectSpecific selects the listed category ids.
	SelectSpecific
)

func (k SelectionKind) String() string {
	switch k {
	case SelectAll:
		return "all"
	case SelectSpecific:
		return "specific"
	default:
		return "none"
	}
}

// AllCategoriesSentinel is the upstream category id meaning "all categories".
const AllCategoriesSentinel = 0

// CategorySelection is a tagged variant: All, Specific(ids) or None.
// The zero value is None.
type CategorySelection struct {
	kind SelectionKind
	ids  map[int]struct{}
}

// SelectAllCategories returns the All variant.
func SelectAllCategories() CategorySelection {
	return CategorySelection{kind: SelectAll}
}

// SelectCategories returns Specific(ids), or None when ids is empty.
func SelectCategories(ids ...int) CategorySelection {
	if len(ids) == 0 {
		return CategorySelection{}
	}
	set := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return CategorySelection{kind: SelectSpecific, ids: set}
}

// SelectionFromIDs converts an upstream id list where the sentinel 0 means
// "all categories".
func SelectionFromIDs(ids []int) CategorySelection {
	for _, id := range ids {
		if id == AllCategoriesSentinel {
			return SelectAllCategories()
		}
	}
	return SelectCategories(ids...)
}

// Kind returns the variant tag.
func (s CategorySelection) Kind() SelectionKind { return s.kind }

// IsAll reports whether the selection is the All variant.
func (s CategorySelection) IsAll() bool { return s.kind == SelectAll }

// IsNone reports whether nothing is selected.
func (s CategorySelection) IsNone() bool { return s.kind == SelectNone }

// Contains reports whether the selection matches categoryID. All matches
// every id, None matches nothing.
func (s CategorySelection) Contains(categoryID int) bool {
	switch s.kind {
	case SelectAll:
		return true
	case SelectSpecific:
		_, ok := s.ids[categoryID]
		return ok
	default:
		return false
	}
}

// IDs returns the selected ids in ascending order. All and None return nil.
func (s CategorySelection) IDs() []int {
	if s.kind != SelectSpecific {
		return nil
	}
	out := make([]int, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Ints(out)
	return out
}

// CategoryFilter is a selection plus whether uncategorized items are included.
type CategoryFilter struct {
	Selection            CategorySelection
	IncludeUncategorized bool
}

// Empty reports whether the filter can never match an item.
func (f CategoryFilter) Empty() bool {
	return f.Selection.IsNone() && !f.IncludeUncategorized
}

// Matches reports whether item passes the filter.
func (f CategoryFilter) Matches(item *OrderItem) bool {
	if f.Selection.IsAll() {
		return true
	}
	if item.CategoryID == nil {
		return f.IncludeUncategorized
	}
	return f.Selection.Contains(*item.CategoryID)
}

// PrinterProfile is the read-only configuration of one printer.
// Port 0 denotes a non-IP transport such as short-range wireless.
type PrinterProfile struct {
	ID           string
	Name         string
	Host         string
	Port         int
	Role         PrinterRole
	Filter       CategoryFilter
	PaperWidthMM int
}

// DisplayName returns Name, falling back to ID.
func (p *PrinterProfile) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.ID
}
