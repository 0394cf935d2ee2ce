// Printrelay - Merchant Order Ingestion and Receipt Printing
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/printrelay

// Package registry exposes the configured printers and the merchant-wide
// fallback category selection as read-only profiles.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/tomtom215/printrelay/internal/config"
	"github.com/tomtom215/printrelay/internal/models"
)

// Registry is the read-only printer configuration consumed by the pipeline.
type Registry interface {
	ListPrinters(ctx context.Context) ([]models.PrinterProfile, error)
	// GlobalCategorySelection returns the fallback filter, or false when no
	// global selection is configured.
	GlobalCategorySelection(ctx context.Context) (models.CategoryFilter, bool, error)
}

// Static is a Registry built from configuration. Replace swaps the whole set
// atomically, for a config reload.
type Static struct {
	mu        sync.RWMutex
	printers  []models.PrinterProfile
	global    models.CategoryFilter
	hasGlobal bool
}

// NewStatic validates and converts printer configs.
func NewStatic(printers []config.PrinterConfig, global config.GlobalCategory, defaultPaperMM int) (*Static, error) {
	s := &Static{}
	if err := s.Replace(printers, global, defaultPaperMM); err != nil {
		return nil, err
	}
	return s, nil
}

// Replace installs a new printer set.
func (s *Static) Replace(printers []config.PrinterConfig, global config.GlobalCategory, defaultPaperMM int) error {
	profiles := make([]models.PrinterProfile, 0, len(printers))
	seen := make(map[string]bool, len(printers))
	for i := range printers {
		p, err := ProfileFromConfig(&printers[i], defaultPaperMM)
		if err != nil {
			return err
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate printer id %q", p.ID)
		}
		seen[p.ID] = true
		profiles = append(profiles, p)
	}

	filter := models.CategoryFilter{
		Selection:            models.SelectionFromIDs(global.Categories),
		IncludeUncategorized: global.UncategorizedSelected,
	}

	s.mu.Lock()
	s.printers = profiles
	s.global = filter
	s.hasGlobal = !filter.Empty()
	s.mu.Unlock()
	return nil
}

// ProfileFromConfig converts one printer entry. Category id 0 selects all.
func ProfileFromConfig(pc *config.PrinterConfig, defaultPaperMM int) (models.PrinterProfile, error) {
	role, err := models.ParsePrinterRole(pc.Role)
	if err != nil {
		return models.PrinterProfile{}, fmt.Errorf("printer %q: %w", pc.ID, err)
	}
	paper := pc.PaperWidthMM
	if paper <= 0 {
		paper = defaultPaperMM
	}
	return models.PrinterProfile{
		ID:   pc.ID,
		Name: pc.Name,
		Host: pc.Host,
		Port: pc.Port,
		Role: role,
		Filter: models.CategoryFilter{
			Selection:            models.SelectionFromIDs(pc.Categories),
			IncludeUncategorized: pc.UncategorizedSelected,
		},
		PaperWidthMM: paper,
	}, nil
}

// ListPrinters returns a copy of the configured profiles.
func (s *Static) ListPrinters(ctx context.Context) ([]models.PrinterProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.PrinterProfile, len(s.printers))
	copy(out, s.printers)
	return out, nil
}

// GlobalCategorySelection returns the merchant-wide fallback filter.
func (s *Static) GlobalCategorySelection(ctx context.Context) (models.CategoryFilter, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.global, s.hasGlobal, nil
}

// SplitByRole partitions printers into main and station lists, preserving order.
func SplitByRole(printers []models.PrinterProfile) (mains, stations []models.PrinterProfile) {
	for i := range printers {
		if printers[i].Role == models.RoleStation {
			stations = append(stations, printers[i])
		} else {
			mains = append(mains, printers[i])
		}
	}
	return mains, stations
}
