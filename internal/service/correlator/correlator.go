// Package correlator ties per-item charges to the base-fee charge of the
// same analysis.
//
// The forward path is NewGroupID: the caller generates the id before the
// base-fee charge and threads it through every item charge. Recover is the
// migration path for legacy rows written without a group id; it is a pure
// function and never touches storage.
package correlator

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
)

const (
	DefaultWindowCeiling = 120 * time.Second
	DefaultOrphanBucket  = time.Hour
)

type Options struct {
	// WindowCeiling bounds how long after a base fee its items may be
	// written.
	WindowCeiling time.Duration
	// OrphanBucket is the width of the time buckets leftover items are
	// pooled into.
	OrphanBucket time.Duration
	// NewID generates group ids. Defaults to NewGroupID.
	NewID func() uuid.UUID
}

func DefaultOptions() Options {
	return Options{
		WindowCeiling: DefaultWindowCeiling,
		OrphanBucket:  DefaultOrphanBucket,
		NewID:         NewGroupID,
	}
}

func (o Options) withDefaults() Options {
	if o.WindowCeiling <= 0 {
		o.WindowCeiling = DefaultWindowCeiling
	}
	if o.OrphanBucket <= 0 {
		o.OrphanBucket = DefaultOrphanBucket
	}
	if o.NewID == nil {
		o.NewID = NewGroupID
	}
	return o
}

// NewGroupID returns a fresh analysis group id.
func NewGroupID() uuid.UUID {
	return uuid.New()
}

// Group is one group inferred by Recover.
type Group struct {
	ID        uuid.UUID
	AccountID uuid.UUID
	SubjectID uuid.UUID
	// BaseFee is nil for orphan pools.
	BaseFee *model.Transaction
	Items   []*model.Transaction
	// Reused is set when the id was already on the base fee.
	Reused   bool
	Orphaned bool
}

// Assignment is one backfill the plan asks for.
type Assignment struct {
	TransactionID uuid.UUID
	GroupID       uuid.UUID
}

// Plan is the output of Recover. Assignments only name rows that currently
// have no group id.
type Plan struct {
	Groups      []Group
	Assignments []Assignment
}

func (p Plan) Empty() bool { return len(p.Assignments) == 0 }

func (p Plan) OrphanedGroups() []Group {
	var out []Group
	for _, g := range p.Groups {
		if g.Orphaned {
			out = append(out, g)
		}
	}
	return out
}

// Anomalies describes the inferred groups that are not well formed.
func (p Plan) Anomalies() []model.GroupAnomaly {
	var out []model.GroupAnomaly
	for _, g := range p.Groups {
		switch {
		case g.Orphaned:
			a := describe(g.ID, g.SubjectID, nil, g.Items, model.GroupOrphanedItems)
			a.Inferred = true
			a.Detail = fmt.Sprintf("%d item fee(s) with no base fee in window", len(g.Items))
			out = append(out, a)
		case len(g.Items) == 0:
			a := describe(g.ID, g.SubjectID, []*model.Transaction{g.BaseFee}, nil, model.GroupBaseOnly)
			a.Inferred = true
			out = append(out, a)
		}
	}
	return out
}

type subjectKey struct {
	account uuid.UUID
	subject uuid.UUID
}

type bucketKey struct {
	subjectKey
	bucket time.Time
}

// Recover rebuilds analysis groups for rows without a group id.
//
// Base fees are walked oldest first (ties by id). A base fee's window runs
// from its own created_at to the earlier of the next base fee for the same
// subject (exclusive) and created_at+WindowCeiling (inclusive). Ungrouped
// item fees for the same account and subject inside the window, and not
// yet claimed by an earlier base fee, join its group. A base fee that
// already carries a group id lends it to its items. Items left over are
// pooled per subject and OrphanBucket and flagged orphaned.
func Recover(txs []*model.Transaction, opts Options) Plan {
	opts = opts.withDefaults()

	bases := make(map[subjectKey][]*model.Transaction)
	items := make(map[subjectKey][]*model.Transaction)
	for _, tx := range txs {
		key := subjectKey{tx.AccountID, tx.SubjectKey()}
		switch tx.Kind {
		case model.KindAnalysisBaseFee:
			bases[key] = append(bases[key], tx)
		case model.KindAnalysisItemFee:
			if !tx.IsGrouped() {
				items[key] = append(items[key], tx)
			}
		}
	}

	var plan Plan
	claimed := make(map[uuid.UUID]bool)

	for _, key := range sortedKeys(bases) {
		subjectBases := bases[key]
		sortChronologically(subjectBases)
		subjectItems := items[key]
		sortChronologically(subjectItems)

		for i, base := range subjectBases {
			end := base.CreatedAt.Add(opts.WindowCeiling)
			var next *time.Time
			if i+1 < len(subjectBases) {
				t := subjectBases[i+1].CreatedAt
				next = &t
			}

			var members []*model.Transaction
			for _, item := range subjectItems {
				if claimed[item.ID] {
					continue
				}
				if item.CreatedAt.Before(base.CreatedAt) || item.CreatedAt.After(end) {
					continue
				}
				if next != nil && !item.CreatedAt.Before(*next) {
					continue
				}
				claimed[item.ID] = true
				members = append(members, item)
			}

			g := Group{
				AccountID: key.account,
				SubjectID: key.subject,
				BaseFee:   base,
				Items:     members,
			}
			if base.IsGrouped() {
				if len(members) == 0 {
					continue
				}
				g.ID = *base.AnalysisGroupID
				g.Reused = true
			} else {
				g.ID = opts.NewID()
				plan.Assignments = append(plan.Assignments, Assignment{base.ID, g.ID})
			}
			for _, m := range members {
				plan.Assignments = append(plan.Assignments, Assignment{m.ID, g.ID})
			}
			plan.Groups = append(plan.Groups, g)
		}
	}

	pools := make(map[bucketKey][]*model.Transaction)
	for key, subjectItems := range items {
		for _, item := range subjectItems {
			if claimed[item.ID] {
				continue
			}
			bk := bucketKey{key, item.CreatedAt.UTC().Truncate(opts.OrphanBucket)}
			pools[bk] = append(pools[bk], item)
		}
	}
	for _, bk := range sortedBuckets(pools) {
		members := pools[bk]
		sortChronologically(members)
		g := Group{
			ID:        opts.NewID(),
			AccountID: bk.account,
			SubjectID: bk.subject,
			Items:     members,
			Orphaned:  true,
		}
		for _, m := range members {
			plan.Assignments = append(plan.Assignments, Assignment{m.ID, g.ID})
		}
		plan.Groups = append(plan.Groups, g)
	}

	return plan
}

// Classify reports the health of the transactions sharing one group id,
// with a short reason for anything that is not well formed. Rows of kind
// other are ignored.
func Classify(group []*model.Transaction, opts Options) (model.GroupHealth, string) {
	opts = opts.withDefaults()

	var (
		bases    []*model.Transaction
		items    []*model.Transaction
		subjects = make(map[uuid.UUID]struct{})
	)
	for _, tx := range group {
		switch tx.Kind {
		case model.KindAnalysisBaseFee:
			bases = append(bases, tx)
		case model.KindAnalysisItemFee:
			items = append(items, tx)
		default:
			continue
		}
		subjects[tx.SubjectKey()] = struct{}{}
	}

	switch {
	case len(bases) == 0 && len(items) == 0:
		return model.GroupMalformed, "group has no analysis charges"
	case len(subjects) > 1:
		return model.GroupMalformed, fmt.Sprintf("group spans %d subjects", len(subjects))
	case len(bases) > 1:
		return model.GroupMalformed, fmt.Sprintf("group has %d base fees", len(bases))
	case len(bases) == 0:
		return model.GroupOrphanedItems, fmt.Sprintf("%d item fee(s) without a base fee", len(items))
	case len(items) == 0:
		return model.GroupBaseOnly, ""
	}

	base := bases[0]
	end := base.CreatedAt.Add(opts.WindowCeiling)
	for _, item := range items {
		if item.CreatedAt.Before(base.CreatedAt) {
			return model.GroupMalformed, fmt.Sprintf("item %s predates its base fee", item.ID)
		}
		if item.CreatedAt.After(end) {
			return model.GroupMalformed, fmt.Sprintf("item %s is %s after its base fee", item.ID, item.CreatedAt.Sub(base.CreatedAt))
		}
	}
	return model.GroupWellFormed, ""
}

// Describe builds the report entry for a stored group.
func Describe(groupID uuid.UUID, group []*model.Transaction, health model.GroupHealth, detail string) model.GroupAnomaly {
	var bases, items []*model.Transaction
	var subject uuid.UUID
	for _, tx := range group {
		switch tx.Kind {
		case model.KindAnalysisBaseFee:
			bases = append(bases, tx)
		case model.KindAnalysisItemFee:
			items = append(items, tx)
		}
		if subject == uuid.Nil {
			subject = tx.SubjectKey()
		}
	}
	a := describe(groupID, subject, bases, items, health)
	a.Detail = detail
	return a
}

func describe(groupID, subject uuid.UUID, bases, items []*model.Transaction, health model.GroupHealth) model.GroupAnomaly {
	a := model.GroupAnomaly{
		GroupID:   groupID,
		Health:    health,
		SubjectID: subject,
	}
	for _, tx := range bases {
		a.BaseFeeIDs = append(a.BaseFeeIDs, tx.ID)
		if a.FirstCreatedAt.IsZero() || tx.CreatedAt.Before(a.FirstCreatedAt) {
			a.FirstCreatedAt = tx.CreatedAt
		}
	}
	for _, tx := range items {
		a.ItemIDs = append(a.ItemIDs, tx.ID)
		if a.FirstCreatedAt.IsZero() || tx.CreatedAt.Before(a.FirstCreatedAt) {
			a.FirstCreatedAt = tx.CreatedAt
		}
	}
	return a
}

// GroupByID buckets grouped rows by their group id. Ungrouped rows are
// skipped.
func GroupByID(txs []*model.Transaction) map[uuid.UUID][]*model.Transaction {
	out := make(map[uuid.UUID][]*model.Transaction)
	for _, tx := range txs {
		if tx.IsGrouped() {
			out[*tx.AnalysisGroupID] = append(out[*tx.AnalysisGroupID], tx)
		}
	}
	return out
}

func sortChronologically(txs []*model.Transaction) {
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.Before(txs[j].CreatedAt)
		}
		return bytes.Compare(txs[i].ID[:], txs[j].ID[:]) < 0
	})
}

func lessKey(a, b subjectKey) bool {
	if c := bytes.Compare(a.account[:], b.account[:]); c != 0 {
		return c < 0
	}
	return bytes.Compare(a.subject[:], b.subject[:]) < 0
}

func sortedKeys(m map[subjectKey][]*model.Transaction) []subjectKey {
	keys := make([]subjectKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return lessKey(keys[i], keys[j]) })
	return keys
}

func sortedBuckets(m map[bucketKey][]*model.Transaction) []bucketKey {
	keys := make([]bucketKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].subjectKey != keys[j].subjectKey {
			return lessKey(keys[i].subjectKey, keys[j].subjectKey)
		}
		return keys[i].bucket.Before(keys[j].bucket)
	})
	return keys
}
