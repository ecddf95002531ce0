package core

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"sterilcore/pkg/domain"
)

var barcodePattern = regexp.MustCompile(`^[A-Z0-9][A-Z0-9-]{2,31}$`)

// NormalizeBarcode trims and upper-cases a scanned barcode and validates its shape.
func NormalizeBarcode(raw string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if !barcodePattern.MatchString(code) {
		return "", fmt.Errorf("%q: %w", raw, domain.ErrInvalidBarcode)
	}
	return code, nil
}

func validateOperator(operator string) (string, error) {
	name := strings.TrimSpace(operator)
	if len([]rune(name)) < 2 {
		return "", domain.ErrInvalidOperator
	}
	return name, nil
}

// RegisterTool records a new available tool for the facility.
func (s *Service) RegisterTool(ctx context.Context, barcode, name string) (domain.Tool, error) {
	code, err := NormalizeBarcode(barcode)
	if err != nil {
		return domain.Tool{}, err
	}
	var created domain.Tool
	err = s.observe(ctx, "register_tool", func(ctx context.Context) (string, error) {
		_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			t, err := tx.CreateTool(domain.Tool{
				FacilityID: s.facilityID,
				Barcode:    code,
				Name:       strings.TrimSpace(name),
				Status:     domain.ToolStatusAvailable,
			})
			created = t
			return err
		})
		return created.ID, err
	})
	return created, err
}

// ScanTool resolves a scanned barcode to a tool of the facility.
func (s *Service) ScanTool(ctx context.Context, barcode string) (domain.Tool, error) {
	code, err := NormalizeBarcode(barcode)
	if err != nil {
		return domain.Tool{}, err
	}
	var tool domain.Tool
	err = s.store.View(ctx, func(v domain.TransactionView) error {
		t, ok := v.FindToolByBarcode(s.facilityID, code)
		if !ok {
			return domain.ErrNotFound{Entity: domain.EntityTool, ID: code}
		}
		tool = t
		return nil
	})
	return tool, err
}

// GetTool returns a tool of the facility by id.
func (s *Service) GetTool(ctx context.Context, id string) (domain.Tool, error) {
	var tool domain.Tool
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		t, ok := v.FindTool(id)
		if !ok || t.FacilityID != s.facilityID {
			return domain.ErrNotFound{Entity: domain.EntityTool, ID: id}
		}
		tool = t
		return nil
	})
	return tool, err
}

// ListTools returns the facility's tools.
func (s *Service) ListTools(ctx context.Context) ([]domain.Tool, error) {
	var out []domain.Tool
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		for _, t := range v.ListTools() {
			if t.FacilityID == s.facilityID {
				out = append(out, t)
			}
		}
		return nil
	})
	return out, err
}

// ReleaseTool detaches a tool from its owning cycle so it can be assigned
// elsewhere. Tools taking part in an active phase cannot be released.
func (s *Service) ReleaseTool(ctx context.Context, toolID string) (domain.Tool, error) {
	var released domain.Tool
	err := s.observe(ctx, "release_tool", func(ctx context.Context) (string, error) {
		_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
			tool, ok := tx.FindTool(toolID)
			if !ok || tool.FacilityID != s.facilityID {
				return domain.ErrNotFound{Entity: domain.EntityTool, ID: toolID}
			}
			if tool.CycleID != nil {
				if cycle, ok := tx.FindCycle(*tool.CycleID); ok && !cycle.Status.Terminal() {
					for _, p := range cycle.Phases {
						if p.IsActive && contains(p.ToolIDs, toolID) {
							return fmt.Errorf("tool %s is in %s: %w", toolID, p.PhaseID, domain.ErrPhaseAlreadyActive)
						}
					}
					if _, err := tx.UpdateCycle(cycle.ID, func(c *domain.Cycle) error {
						c.ToolIDs = without(c.ToolIDs, toolID)
						for i := range c.Phases {
							c.Phases[i].ToolIDs = without(c.Phases[i].ToolIDs, toolID)
						}
						return nil
					}); err != nil {
						return err
					}
				}
			}
			t, err := tx.UpdateTool(toolID, func(t *domain.Tool) error {
				detachTool(t)
				return nil
			})
			released = t
			return err
		})
		return toolID, err
	})
	return released, err
}

// detachTool clears cycle ownership; tools in maintenance or retired keep their status.
func detachTool(t *domain.Tool) {
	t.CycleID = nil
	t.CurrentPhaseID = nil
	if t.Status == domain.ToolStatusInCycle {
		t.Status = domain.ToolStatusAvailable
	}
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func without(ids []string, id string) []string {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
