package returns

import (
	"fmt"

	"posdesk/backend/internal/domain"
)

// Selection is the operator's in-progress pick of units to return. Only
// returnable units can be selected. It is not safe for concurrent use.
type Selection struct {
	order   []string
	units   map[string]domain.StockItem
	targets map[string]domain.StockItemStatus
}

func NewSelection() *Selection {
	return &Selection{
		units:   make(map[string]domain.StockItem),
		targets: make(map[string]domain.StockItemStatus),
	}
}

func (s *Selection) IsSelected(unitID string) bool {
	_, ok := s.units[unitID]
	return ok
}

func (s *Selection) Len() int {
	return len(s.order)
}

// Toggle flips one unit and reports whether it is now selected. Units that
// are not returnable are left alone.
func (s *Selection) Toggle(unit domain.StockItem) bool {
	if s.IsSelected(unit.ID) {
		s.remove(unit.ID)
		return false
	}
	if !unit.Status.IsReturnable() {
		return false
	}
	s.add(unit)
	return true
}

func (s *Selection) SetTarget(unitID string, status domain.StockItemStatus) error {
	if !s.IsSelected(unitID) {
		return fmt.Errorf("%w: unit %s is not selected", ErrInvalidReturn, unitID)
	}
	if !status.IsReturnTarget() {
		return fmt.Errorf("%w: unit %s cannot be returned as %s", ErrInvalidReturn, unitID, status)
	}
	s.targets[unitID] = status
	return nil
}

// ToggleLine toggles every returnable unit of one sale line as a block: when
// all of them are selected they are all cleared, otherwise the missing ones
// are added.
func (s *Selection) ToggleLine(units []domain.StockItem) {
	eligible := make([]domain.StockItem, 0, len(units))
	allSelected := true
	for _, unit := range units {
		if !unit.Status.IsReturnable() {
			continue
		}
		eligible = append(eligible, unit)
		if !s.IsSelected(unit.ID) {
			allSelected = false
		}
	}
	if len(eligible) == 0 {
		return
	}
	for _, unit := range eligible {
		if allSelected {
			s.remove(unit.ID)
		} else if !s.IsSelected(unit.ID) {
			s.add(unit)
		}
	}
}

// Items lists the selection in the order units were picked.
func (s *Selection) Items() []Selected {
	out := make([]Selected, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, Selected{Unit: s.units[id], Target: s.targets[id]})
	}
	return out
}

func (s *Selection) add(unit domain.StockItem) {
	s.order = append(s.order, unit.ID)
	s.units[unit.ID] = unit
	s.targets[unit.ID] = domain.StockReturned
}

func (s *Selection) remove(unitID string) {
	delete(s.units, unitID)
	delete(s.targets, unitID)
	for i, id := range s.order {
		if id == unitID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
