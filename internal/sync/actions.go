package sync

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/Martian-dev/mailmirror/internal/store"
)

// Action is the state change queued for one remote message.
type Action int

const (
	ActionNone Action = iota
	ActionDelete
	ActionMoveToUnseen
	ActionMoveToSeen
)

func (a Action) String() string {
	switch a {
	case ActionDelete:
		return "delete"
	case ActionMoveToUnseen:
		return "move_to_unseen"
	case ActionMoveToSeen:
		return "move_to_seen"
	default:
		return "none"
	}
}

// pending collects everything a delta says about one message. The last
// record wins for both the action and each individual label.
type pending struct {
	action Action
	added  bool
	labels map[string]bool
}

type actionTable struct {
	order   []string
	entries map[string]*pending
}

func (t *actionTable) entry(id string) *pending {
	p, ok := t.entries[id]
	if !ok {
		p = &pending{labels: make(map[string]bool)}
		t.entries[id] = p
		t.order = append(t.order, id)
	}
	return p
}

// buildActions folds delta records, in order, into one pending entry per
// message id.
func buildActions(records []DeltaRecord, unreadLabel string, trashLabels []string) *actionTable {
	t := &actionTable{entries: make(map[string]*pending)}

	for _, r := range records {
		if r.MessageID == "" {
			continue
		}
		p := t.entry(r.MessageID)

		switch r.Kind {
		case DeltaMessageAdded:
			p.action = ActionMoveToUnseen
			p.added = true
		case DeltaMessageDeleted:
			p.action = ActionDelete
		case DeltaLabelsAdded:
			switch {
			case containsAny(r.Labels, trashLabels):
				p.action = ActionDelete
			case slices.Contains(r.Labels, unreadLabel):
				p.action = ActionMoveToUnseen
			}
			for _, l := range r.Labels {
				if l != unreadLabel {
					p.labels[l] = true
				}
			}
		case DeltaLabelsRemoved:
			if slices.Contains(r.Labels, unreadLabel) {
				p.action = ActionMoveToSeen
			}
			for _, l := range r.Labels {
				if l != unreadLabel {
					p.labels[l] = false
				}
			}
		}
	}
	return t
}

// labelChanges splits the tracked labels into those to add and remove.
func (p *pending) labelChanges() (add, remove []string) {
	for l, present := range p.labels {
		if present {
			add = append(add, l)
		} else {
			remove = append(remove, l)
		}
	}
	slices.Sort(add)
	slices.Sort(remove)
	return add, remove
}

func containsAny(labels, want []string) bool {
	for _, l := range labels {
		if slices.Contains(want, l) {
			return true
		}
	}
	return false
}

// apply runs one pending entry against the local mirror. An id with no
// mapping is fetched when the delta announced it as new and skipped
// otherwise, or when the remote no longer has it.
func (e *Engine) apply(ctx context.Context, remoteID string, p *pending, res *Result) error {
	log := e.log.WithFields(logrus.Fields{"remote_id": remoteID, "action": p.action})

	localID, ok, err := e.idx.LookupLocal(ctx, remoteID)
	if err != nil {
		return err
	}
	if !ok {
		if p.added && p.action != ActionDelete {
			m, err := e.src.GetMessage(ctx, remoteID, FormatRaw)
			if IsNotFound(err) {
				log.WithError(err).Warn("added message is gone remotely, skipping")
				res.Skipped++
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to get message %s: %w", remoteID, err)
			}
			if m.ID == "" {
				m.ID = remoteID
			}
			stored, err := e.storeMessage(ctx, m)
			if err != nil {
				return err
			}
			if stored {
				res.Added++
			}
			return nil
		}
		if p.action != ActionNone {
			log.Warn("no local mapping, skipping")
			res.Skipped++
		}
		return nil
	}

	switch p.action {
	case ActionDelete:
		if err := e.deleteMessage(ctx, remoteID); err != nil {
			return err
		}
		res.Deleted++
		return nil
	case ActionMoveToUnseen, ActionMoveToSeen:
		newID, err := e.transition(ctx, remoteID, localID, p.action == ActionMoveToUnseen)
		if errors.Is(err, store.ErrNotFound) {
			log.WithField("local_id", localID).Warn("local blob missing, skipping")
			res.Skipped++
			return nil
		}
		if err != nil {
			return err
		}
		localID = newID
		res.Moved++
	}

	add, remove := p.labelChanges()
	if len(add) > 0 {
		if err := e.idx.AddLabels(ctx, localID, add...); err != nil {
			log.WithError(err).Warn("failed to add labels")
		}
	}
	if len(remove) > 0 {
		if err := e.idx.RemoveLabels(ctx, localID, remove...); err != nil {
			log.WithError(err).Warn("failed to remove labels")
		}
	}
	return nil
}
