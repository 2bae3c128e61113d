package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

// The persisted layout stores mappings as ordered lists of pairs so the
// JSON round-trips without relying on object key order: pods as
// [id, Pod] pairs, pod-strategy dependencies as [role, roles] pairs,
// pod receipts as [id, PodReceipt] pairs, and sets as sorted lists.
// Transient per-execution state is never serialized; on load it must be
// reconstituted empty.

type pair[V any] struct {
	Key   string
	Value V
}

func (p pair[V]) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Key, p.Value})
}

func (p *pair[V]) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("expected [key, value] pair, got %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.Key); err != nil {
		return fmt.Errorf("pair key: %w", err)
	}
	if err := json.Unmarshal(raw[1], &p.Value); err != nil {
		return fmt.Errorf("pair value: %w", err)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MarshalJSON serializes the work order with pods as [id, Pod] pairs and
// the receipt inlined.
func (w *WorkOrder) MarshalJSON() ([]byte, error) {
	type alias WorkOrder
	pods := make([]pair[*Pod], 0, len(w.Pods))
	for _, id := range sortedKeys(w.Pods) {
		pods = append(pods, pair[*Pod]{Key: id, Value: w.Pods[id]})
	}
	return json.Marshal(struct {
		*alias
		Pods     []pair[*Pod] `json:"pods,omitempty"`
		Receipts *Receipt     `json:"receipts,omitempty"`
	}{
		alias:    (*alias)(w),
		Pods:     pods,
		Receipts: w.Receipts,
	})
}

// UnmarshalJSON reconstitutes the pair lists into mappings.
func (w *WorkOrder) UnmarshalJSON(data []byte) error {
	type alias WorkOrder
	aux := struct {
		*alias
		Pods     []pair[*Pod] `json:"pods"`
		Receipts *Receipt     `json:"receipts"`
	}{alias: (*alias)(w)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	w.Pods = make(map[string]*Pod, len(aux.Pods))
	for _, p := range aux.Pods {
		w.Pods[p.Key] = p.Value
	}
	w.Receipts = aux.Receipts
	return nil
}

// MarshalJSON serializes role dependencies as [role, roles] pairs.
func (s PodStrategy) MarshalJSON() ([]byte, error) {
	type alias PodStrategy
	deps := make([]pair[[]PodRole], 0, len(s.Dependencies))
	keys := make([]string, 0, len(s.Dependencies))
	for role := range s.Dependencies {
		keys = append(keys, string(role))
	}
	sort.Strings(keys)
	for _, k := range keys {
		deps = append(deps, pair[[]PodRole]{Key: k, Value: s.Dependencies[PodRole(k)]})
	}
	return json.Marshal(struct {
		alias
		Dependencies []pair[[]PodRole] `json:"dependencies,omitempty"`
	}{alias: (alias)(s), Dependencies: deps})
}

// UnmarshalJSON reconstitutes the dependency pairs into a mapping.
func (s *PodStrategy) UnmarshalJSON(data []byte) error {
	type alias PodStrategy
	aux := struct {
		*alias
		Dependencies []pair[[]PodRole] `json:"dependencies"`
	}{alias: (*alias)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Dependencies) > 0 {
		s.Dependencies = make(map[PodRole][]PodRole, len(aux.Dependencies))
		for _, p := range aux.Dependencies {
			s.Dependencies[PodRole(p.Key)] = p.Value
		}
	}
	return nil
}

// MarshalJSON serializes the phase's id sets as sorted lists.
func (p *Phase) MarshalJSON() ([]byte, error) {
	type alias Phase
	return json.Marshal(struct {
		*alias
		DependsOn    []string `json:"dependsOn,omitempty"`
		AssignedPods []string `json:"assignedPods,omitempty"`
	}{
		alias:        (*alias)(p),
		DependsOn:    sortedKeys(p.DependsOn),
		AssignedPods: sortedKeys(p.AssignedPods),
	})
}

// UnmarshalJSON reconstitutes the id lists into sets.
func (p *Phase) UnmarshalJSON(data []byte) error {
	type alias Phase
	aux := struct {
		*alias
		DependsOn    []string `json:"dependsOn"`
		AssignedPods []string `json:"assignedPods"`
	}{alias: (*alias)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.DependsOn) > 0 {
		p.DependsOn = make(map[string]struct{}, len(aux.DependsOn))
		for _, id := range aux.DependsOn {
			p.DependsOn[id] = struct{}{}
		}
	}
	if len(aux.AssignedPods) > 0 {
		p.AssignedPods = make(map[string]struct{}, len(aux.AssignedPods))
		for _, id := range aux.AssignedPods {
			p.AssignedPods[id] = struct{}{}
		}
	}
	return nil
}

// MarshalJSON serializes pod receipts as [id, PodReceipt] pairs.
func (t TechnicalReceipt) MarshalJSON() ([]byte, error) {
	type alias TechnicalReceipt
	receipts := make([]pair[*PodReceipt], 0, len(t.PodReceipts))
	for _, id := range sortedKeys(t.PodReceipts) {
		receipts = append(receipts, pair[*PodReceipt]{Key: id, Value: t.PodReceipts[id]})
	}
	return json.Marshal(struct {
		alias
		PodReceipts []pair[*PodReceipt] `json:"podReceipts,omitempty"`
	}{alias: (alias)(t), PodReceipts: receipts})
}

// UnmarshalJSON reconstitutes the pod-receipt pairs into a mapping.
func (t *TechnicalReceipt) UnmarshalJSON(data []byte) error {
	type alias TechnicalReceipt
	aux := struct {
		*alias
		PodReceipts []pair[*PodReceipt] `json:"podReceipts"`
	}{alias: (*alias)(t)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.PodReceipts) > 0 {
		t.PodReceipts = make(map[string]*PodReceipt, len(aux.PodReceipts))
		for _, p := range aux.PodReceipts {
			t.PodReceipts[p.Key] = p.Value
		}
	}
	return nil
}
