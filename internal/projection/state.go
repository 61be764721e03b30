// Package projection folds the event log into the current view of stories,
// waves, ownership and escalations. Apply is pure: the same events in the same
// order always produce the same State.
package projection

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"gateline/internal/domain"
	"gateline/internal/ownership"
)

type State struct {
	LastSeq     int64
	Stories     map[string]*domain.Story
	Waves       map[int]*domain.Wave
	Owners      *ownership.Registry
	Anomalies   []domain.Anomaly
	Escalations map[string]*domain.Escalation
	Rollbacks   []domain.RollbackRecord
}

func New() *State {
	return &State{
		Stories:     map[string]*domain.Story{},
		Waves:       map[int]*domain.Wave{},
		Owners:      ownership.New(),
		Escalations: map[string]*domain.Escalation{},
	}
}

// Replay folds events from an empty state.
func Replay(events []domain.Event) (*State, error) {
	s := New()
	for _, e := range events {
		if err := s.Apply(e); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Apply folds a single event. Events must arrive in sequence order.
func (s *State) Apply(e domain.Event) error {
	if e.Seq <= s.LastSeq {
		return fmt.Errorf("event %d applied out of order (last %d)", e.Seq, s.LastSeq)
	}
	var err error
	switch e.Kind {
	case domain.KindStoryCreated:
		err = s.applyStoryCreated(e)
	case domain.KindWaveLaunched:
		err = s.applyWaveLaunched(e)
	case domain.KindWaveReplanned:
		err = s.applyWaveReplanned(e)
	case domain.KindGateAttemptStarted:
		err = s.applyAttemptStarted(e)
	case domain.KindGateResult:
		err = s.applyGateResult(e)
	case domain.KindOwnershipClaim:
		err = s.applyClaim(e)
	case domain.KindOwnershipRelease:
		s.Owners.Release(e.StoryID)
	case domain.KindAnomalyRaised:
		err = s.applyAnomaly(e)
	case domain.KindEscalationOpened:
		err = s.applyEscalationOpened(e)
	case domain.KindEscalationResolved:
		err = s.applyEscalationResolved(e)
	case domain.KindRollbackExecuted:
		err = s.applyRollback(e)
	case domain.KindUsageRecorded:
		err = s.applyUsage(e)
	default:
		err = fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if err != nil {
		return fmt.Errorf("apply event %d (%s): %w", e.Seq, e.Kind, err)
	}
	s.LastSeq = e.Seq
	if st, ok := s.Stories[e.StoryID]; ok {
		st.UpdatedSeq = e.Seq
	}
	return nil
}

func (s *State) story(id string) (*domain.Story, error) {
	st, ok := s.Stories[id]
	if !ok {
		return nil, fmt.Errorf("unknown story %s", id)
	}
	return st, nil
}

func (s *State) applyStoryCreated(e domain.Event) error {
	p, err := domain.DecodePayload[domain.StoryCreatedPayload](e)
	if err != nil {
		return err
	}
	id := p.Story.ID()
	if _, exists := s.Stories[id]; exists {
		return fmt.Errorf("story %s already exists", id)
	}
	s.Stories[id] = &domain.Story{
		ID:              id,
		StoryDefinition: p.Story,
		Gate:            domain.GatePreflight,
		Status:          domain.StatusDraft,
		Failures:        map[int]int{},
		Attempts:        map[int]int{},
		Covered:         map[string]bool{},
	}
	return nil
}

func (s *State) applyWaveLaunched(e domain.Event) error {
	p, err := domain.DecodePayload[domain.WaveLaunchedPayload](e)
	if err != nil {
		return err
	}
	if _, exists := s.Waves[p.Wave]; exists {
		return fmt.Errorf("wave %d already launched", p.Wave)
	}
	s.Waves[p.Wave] = &domain.Wave{Number: p.Wave, Phases: p.Phases, Budget: p.Budget, LaunchedSeq: e.Seq}
	for _, phase := range p.Phases {
		for _, id := range phase {
			st, err := s.story(id)
			if err != nil {
				return err
			}
			if st.Status == domain.StatusDraft {
				st.Status = domain.StatusReady
			}
		}
	}
	return nil
}

func (s *State) applyWaveReplanned(e domain.Event) error {
	p, err := domain.DecodePayload[domain.WaveReplannedPayload](e)
	if err != nil {
		return err
	}
	w, ok := s.Waves[p.Wave]
	if !ok || w.LaunchedSeq == 0 {
		return fmt.Errorf("wave %d replanned before launch", p.Wave)
	}
	for id, deps := range p.BlockedBy {
		st, err := s.story(id)
		if err != nil {
			return err
		}
		st.BlockedBy = append([]string(nil), deps...)
		st.UpdatedSeq = e.Seq
	}
	w.Phases = p.Phases
	w.ReplannedSeq = e.Seq
	for _, phase := range p.Phases {
		for _, id := range phase {
			st, err := s.story(id)
			if err != nil {
				return err
			}
			if st.Status == domain.StatusDraft {
				st.Status = domain.StatusReady
				st.UpdatedSeq = e.Seq
			}
		}
	}
	return nil
}

func (s *State) applyAttemptStarted(e domain.Event) error {
	p, err := domain.DecodePayload[domain.AttemptStartedPayload](e)
	if err != nil {
		return err
	}
	st, err := s.story(e.StoryID)
	if err != nil {
		return err
	}
	st.Gate = p.Gate
	st.Attempt = p.Attempt
	st.Attempts[p.Gate] = p.Attempt
	st.AttemptOpen = true
	st.AttemptStartedAt = e.TS
	st.Agent = p.Agent
	st.Status = domain.StatusInProgress
	st.BlockReason = ""
	return nil
}

func (s *State) applyGateResult(e domain.Event) error {
	p, err := domain.DecodePayload[domain.GateResultPayload](e)
	if err != nil {
		return err
	}
	st, err := s.story(e.StoryID)
	if err != nil {
		return err
	}
	st.AttemptOpen = false
	st.LastResult = &domain.GateOutcome{Gate: p.Gate, Attempt: p.Attempt, Outcome: p.Outcome, Reasons: p.Reasons, Seq: e.Seq}
	for _, id := range p.Criteria {
		st.Covered[id] = true
	}
	if p.DataImpact != "" {
		st.DataImpact = domain.MaxImpact(st.DataImpact, p.DataImpact)
	}
	if p.Outcome == domain.OutcomeFail {
		st.Failures[p.Gate]++
		st.Gate = p.NextGate
		st.Status = domain.StatusBlocked
		st.BlockReason = "gate " + fmt.Sprint(p.Gate) + " failed"
		return nil
	}
	if p.Held {
		st.Held = true
		st.HeldNext = p.NextGate
		st.HeldComplete = p.Complete
		st.Status = domain.StatusBlocked
		st.BlockReason = "held by wave escalation"
		return nil
	}
	s.advance(st, p.NextGate, p.Complete)
	return nil
}

func (s *State) advance(st *domain.Story, next int, complete bool) {
	st.Held = false
	st.HeldNext = 0
	st.HeldComplete = false
	st.BlockReason = ""
	if complete {
		st.Status = domain.StatusComplete
		return
	}
	st.Gate = next
	st.Attempt = 0
	st.Status = domain.StatusInProgress
}

func (s *State) applyClaim(e domain.Event) error {
	p, err := domain.DecodePayload[domain.OwnershipPayload](e)
	if err != nil {
		return err
	}
	return s.Owners.Claim(e.StoryID, p.Paths)
}

func (s *State) applyAnomaly(e domain.Event) error {
	p, err := domain.DecodePayload[domain.AnomalyPayload](e)
	if err != nil {
		return err
	}
	s.Anomalies = append(s.Anomalies, domain.Anomaly{
		ID: p.ID, StoryID: e.StoryID, Wave: e.Wave, Class: p.Class, Severity: p.Severity,
		Description: p.Description, Gate: p.Gate, Seq: e.Seq,
	})
	return nil
}

func (s *State) applyEscalationOpened(e domain.Event) error {
	p, err := domain.DecodePayload[domain.EscalationOpenedPayload](e)
	if err != nil {
		return err
	}
	if _, exists := s.Escalations[p.ID]; exists {
		return fmt.Errorf("escalation %s already opened", p.ID)
	}
	esc := &domain.Escalation{
		ID: p.ID, StoryID: e.StoryID, Wave: e.Wave, Scope: p.Scope, Severity: p.Severity,
		Trigger: p.Trigger, Reason: p.Reason, Gate: p.Gate, Open: true, OpenedSeq: e.Seq,
	}
	s.Escalations[p.ID] = esc
	switch p.Scope {
	case domain.ScopeWave:
		w, ok := s.Waves[e.Wave]
		if !ok {
			w = &domain.Wave{Number: e.Wave}
			s.Waves[e.Wave] = w
		}
		w.Blocked = true
	default:
		st, err := s.story(e.StoryID)
		if err != nil {
			return err
		}
		st.OpenEscalations = append(st.OpenEscalations, p.ID)
		if !st.Status.Terminal() {
			st.Status = domain.StatusBlocked
			st.AttemptOpen = false
			st.BlockReason = "escalation " + p.ID + ": " + p.Reason
		}
	}
	return nil
}

func (s *State) applyEscalationResolved(e domain.Event) error {
	p, err := domain.DecodePayload[domain.EscalationResolvedPayload](e)
	if err != nil {
		return err
	}
	esc, ok := s.Escalations[p.ID]
	if !ok {
		return fmt.Errorf("unknown escalation %s", p.ID)
	}
	if !esc.Open {
		return fmt.Errorf("escalation %s already resolved", p.ID)
	}
	esc.Open = false
	esc.Decision = p.Decision
	esc.ResolvedSeq = e.Seq

	if esc.Scope == domain.ScopeWave {
		if s.waveEscalationOpen(esc.Wave) {
			return nil
		}
		if w, ok := s.Waves[esc.Wave]; ok {
			w.Blocked = false
		}
		if p.Decision == domain.DecisionResume {
			for _, st := range s.Stories {
				if st.Wave == esc.Wave && st.Held {
					s.releaseHold(st)
				}
			}
		}
		return nil
	}

	st, err := s.story(esc.StoryID)
	if err != nil {
		return err
	}
	st.OpenEscalations = removeString(st.OpenEscalations, p.ID)
	if p.Decision != domain.DecisionResume || st.Status.Terminal() {
		return nil
	}
	if p.ResetRetries {
		st.Failures = map[int]int{}
	}
	if p.Gate != nil {
		st.Gate = *p.Gate
	}
	if len(st.OpenEscalations) == 0 && !st.Held {
		st.Status = domain.StatusReady
		st.AttemptOpen = false
		st.BlockReason = ""
	}
	return nil
}

// releaseHold advances a story whose pass was recorded while its wave was blocked.
func (s *State) releaseHold(st *domain.Story) {
	s.advance(st, st.HeldNext, st.HeldComplete)
	if len(st.OpenEscalations) > 0 && !st.Status.Terminal() {
		st.Status = domain.StatusBlocked
		st.BlockReason = "escalation " + st.OpenEscalations[0]
	}
}

func (s *State) waveEscalationOpen(wave int) bool {
	for _, esc := range s.Escalations {
		if esc.Open && esc.Scope == domain.ScopeWave && esc.Wave == wave {
			return true
		}
	}
	return false
}

func (s *State) applyRollback(e domain.Event) error {
	p, err := domain.DecodePayload[domain.RollbackPayload](e)
	if err != nil {
		return err
	}
	st, err := s.story(e.StoryID)
	if err != nil {
		return err
	}
	st.Status = domain.StatusRolledBack
	st.AttemptOpen = false
	st.Held = false
	st.HeldNext = 0
	st.HeldComplete = false
	st.BlockReason = ""
	s.Rollbacks = append(s.Rollbacks, domain.RollbackRecord{
		StoryID: st.ID, Wave: st.Wave, DataImpact: p.DataImpact, Reason: p.Reason, Dependents: p.Dependents, Seq: e.Seq,
	})
	for _, id := range p.Dependents {
		dep, ok := s.Stories[id]
		if !ok || dep.Status.Terminal() {
			continue
		}
		dep.Status = domain.StatusBlocked
		dep.AttemptOpen = false
		dep.BlockReason = "blocked by rolled back story " + st.ID
	}
	return nil
}

func (s *State) applyUsage(e domain.Event) error {
	p, err := domain.DecodePayload[domain.UsagePayload](e)
	if err != nil {
		return err
	}
	w, ok := s.Waves[e.Wave]
	if !ok {
		return fmt.Errorf("usage recorded for unlaunched wave %d", e.Wave)
	}
	w.Used += p.Amount
	return nil
}

func removeString(in []string, v string) []string {
	out := in[:0]
	for _, s := range in {
		if s != v {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// StoryIDs returns story ids sorted ascending.
func (s *State) StoryIDs() []string {
	ids := make([]string, 0, len(s.Stories))
	for id := range s.Stories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Clone deep-copies the state for read-only use outside the engine lock.
func (s *State) Clone() *State {
	c := &State{
		LastSeq:     s.LastSeq,
		Stories:     make(map[string]*domain.Story, len(s.Stories)),
		Waves:       make(map[int]*domain.Wave, len(s.Waves)),
		Owners:      s.Owners.Clone(),
		Anomalies:   append([]domain.Anomaly(nil), s.Anomalies...),
		Escalations: make(map[string]*domain.Escalation, len(s.Escalations)),
		Rollbacks:   append([]domain.RollbackRecord(nil), s.Rollbacks...),
	}
	for id, st := range s.Stories {
		cp := *st
		cp.Failures = copyIntMap(st.Failures)
		cp.Attempts = copyIntMap(st.Attempts)
		cp.Covered = make(map[string]bool, len(st.Covered))
		for k, v := range st.Covered {
			cp.Covered[k] = v
		}
		cp.OpenEscalations = append([]string(nil), st.OpenEscalations...)
		if st.LastResult != nil {
			lr := *st.LastResult
			lr.Reasons = append([]string(nil), st.LastResult.Reasons...)
			cp.LastResult = &lr
		}
		c.Stories[id] = &cp
	}
	for n, w := range s.Waves {
		cp := *w
		cp.Phases = make([][]string, len(w.Phases))
		for i, ph := range w.Phases {
			cp.Phases[i] = append([]string(nil), ph...)
		}
		c.Waves[n] = &cp
	}
	for id, esc := range s.Escalations {
		cp := *esc
		c.Escalations[id] = &cp
	}
	return c
}

func copyIntMap(in map[int]int) map[int]int {
	out := make(map[int]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type digestView struct {
	LastSeq     int64                         `json:"last_seq"`
	Stories     map[string]*domain.Story      `json:"stories"`
	Waves       map[int]*domain.Wave          `json:"waves"`
	Owners      map[string]string             `json:"owners"`
	Anomalies   []domain.Anomaly              `json:"anomalies"`
	Escalations map[string]*domain.Escalation `json:"escalations"`
	Rollbacks   []domain.RollbackRecord       `json:"rollbacks"`
}

// Digest hashes the canonical JSON form of the state. encoding/json sorts map
// keys, so equal states always hash equal.
func (s *State) Digest() (string, error) {
	data, err := json.Marshal(digestView{
		LastSeq: s.LastSeq, Stories: s.Stories, Waves: s.Waves, Owners: s.Owners.Snapshot(),
		Anomalies: s.Anomalies, Escalations: s.Escalations, Rollbacks: s.Rollbacks,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
