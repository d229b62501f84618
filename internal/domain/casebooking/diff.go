package casebooking

import (
	"sort"
	"strings"
	"time"
)

// Display names used in amendment history.
const (
	FieldHospital           = "Hospital"
	FieldDepartment         = "Department"
	FieldDateOfSurgery      = "Date of Surgery"
	FieldProcedureType      = "Procedure Type"
	FieldProcedureName      = "Procedure Name"
	FieldDoctor             = "Doctor"
	FieldTimeOfProcedure    = "Time of Procedure"
	FieldSurgerySets        = "Surgery Sets"
	FieldImplantBoxes       = "Implant Boxes"
	FieldSpecialInstruction = "Special Instruction"
)

const dateLayout = "2006-01-02"

// applyAmendment returns a copy of cur with the proposed values applied and
// one Change per field that actually differs. cur is not modified.
func applyAmendment(cur *CaseBooking, a CaseAmendment) (*CaseBooking, []Change) {
	next := *cur
	var changes []Change

	scalar := func(field string, dst *string, proposed *string) {
		if proposed == nil {
			return
		}
		v := strings.TrimSpace(*proposed)
		if v == *dst {
			return
		}
		changes = append(changes, Change{Field: field, OldValue: *dst, NewValue: v})
		*dst = v
	}
	optional := func(field string, dst **string, proposed *string) {
		if proposed == nil {
			return
		}
		v := strings.TrimSpace(*proposed)
		old := deref(*dst)
		if v == old {
			return
		}
		changes = append(changes, Change{Field: field, OldValue: old, NewValue: v})
		if v == "" {
			*dst = nil
		} else {
			*dst = &v
		}
	}
	list := func(field string, dst *[]string, proposed []string) {
		v := normalizeList(proposed)
		removed, added := setDiff(*dst, v)
		if len(removed) == 0 && len(added) == 0 {
			return
		}
		changes = append(changes, Change{
			Field:    field,
			OldValue: "Removed: " + joinOrDash(removed),
			NewValue: "Added: " + joinOrDash(added),
		})
		*dst = v
	}

	scalar(FieldHospital, &next.Hospital, a.Hospital)
	scalar(FieldDepartment, &next.Department, a.Department)
	if a.DateOfSurgery != nil && !sameDay(*a.DateOfSurgery, cur.DateOfSurgery) {
		changes = append(changes, Change{
			Field:    FieldDateOfSurgery,
			OldValue: cur.DateOfSurgery.Format(dateLayout),
			NewValue: a.DateOfSurgery.Format(dateLayout),
		})
		next.DateOfSurgery = *a.DateOfSurgery
	}
	scalar(FieldProcedureType, &next.ProcedureType, a.ProcedureType)
	scalar(FieldProcedureName, &next.ProcedureName, a.ProcedureName)
	if a.DoctorName != nil || a.DoctorID != nil {
		before := len(changes)
		scalar(FieldDoctor, &next.DoctorName, a.DoctorName)
		if a.DoctorID != nil && (cur.DoctorID == nil || *cur.DoctorID != *a.DoctorID) {
			id := *a.DoctorID
			next.DoctorID = &id
			if len(changes) == before {
				// Same name, different catalog entry.
				changes = append(changes, Change{Field: FieldDoctor, OldValue: cur.DoctorName, NewValue: next.DoctorName + " (" + id.String() + ")"})
			}
		}
	}
	optional(FieldTimeOfProcedure, &next.TimeOfProcedure, a.TimeOfProcedure)
	if a.SetSurgerySets {
		list(FieldSurgerySets, &next.SurgerySetSelection, a.SurgerySetSelection)
	}
	if a.SetImplantBoxes {
		list(FieldImplantBoxes, &next.ImplantBox, a.ImplantBox)
	}
	optional(FieldSpecialInstruction, &next.SpecialInstruction, a.SpecialInstruction)

	return &next, changes
}

// setDiff compares old and new as sets and returns sorted removed and added
// elements.
func setDiff(old, next []string) (removed, added []string) {
	inOld := make(map[string]bool, len(old))
	for _, s := range old {
		inOld[s] = true
	}
	inNew := make(map[string]bool, len(next))
	for _, s := range next {
		if !inOld[s] && !inNew[s] {
			added = append(added, s)
		}
		inNew[s] = true
	}
	for s := range inOld {
		if !inNew[s] {
			removed = append(removed, s)
		}
	}
	sort.Strings(removed)
	sort.Strings(added)
	return removed, added
}

// normalizeList trims entries, drops blanks and duplicates, and keeps the
// first occurrence order.
func normalizeList(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]bool, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func joinOrDash(s []string) string {
	if len(s) == 0 {
		return "-"
	}
	return strings.Join(s, ", ")
}

func sameDay(a, b time.Time) bool {
	return a.Format(dateLayout) == b.Format(dateLayout)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// selectionChanged reports whether any change touched the item lists.
func selectionChanged(changes []Change) bool {
	for _, c := range changes {
		if c.Field == FieldSurgerySets || c.Field == FieldImplantBoxes {
			return true
		}
	}
	return false
}

// quantitiesFor lists one quantity row per selected item.
func quantitiesFor(c *CaseBooking) []CaseQuantity {
	items := make([]CaseQuantity, 0, len(c.SurgerySetSelection)+len(c.ImplantBox))
	for _, name := range c.SurgerySetSelection {
		items = append(items, CaseQuantity{CaseID: c.ID, ItemType: ItemSurgerySet, ItemName: name, Quantity: 1})
	}
	for _, name := range c.ImplantBox {
		items = append(items, CaseQuantity{CaseID: c.ID, ItemType: ItemImplantBox, ItemName: name, Quantity: 1})
	}
	return items
}
