// Chatsync - Conversation Synchronization Engine
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/chatsync

package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tomtom215/chatsync/internal/ledger"
	"github.com/tomtom215/chatsync/internal/logging"
	"github.com/tomtom215/chatsync/internal/metrics"
	"github.com/tomtom215/chatsync/internal/models"
	"github.com/tomtom215/chatsync/internal/storage"
)

// isSelfEcho reports whether this device produced the change.
func (r *Router) isSelfEcho(ch *models.GroupChange) bool {
	return ch.Operator == r.self.SelfID && ch.OperatorDeviceID == r.self.DeviceID
}

func (r *Router) handleGroup(ctx context.Context, n *models.Notification, ch *models.GroupChange, silent bool) error {
	key := ledger.GroupKey(ch.GroupID)
	rel, err := r.classify(ctx, key, ch.ChangeVersion)
	if err != nil {
		return err
	}

	// The change was already applied locally when this device made it.
	if r.isSelfEcho(ch) {
		metrics.RecordNotification(string(key.Kind), "self_echo")
		switch rel {
		case ledger.Sequential:
			return r.recordSelfEcho(ctx, ch)
		case ledger.Gap:
			return r.reloadGroup(ctx, n, ch.GroupID, silent, false)
		default:
			return nil
		}
	}

	switch rel {
	case ledger.Sequential:
		return r.applyGroupChange(ctx, n, ch, silent)
	case ledger.Gap:
		return r.reloadGroup(ctx, n, ch.GroupID, silent, true)
	default:
		return nil
	}
}

func (r *Router) applyGroupChange(ctx context.Context, n *models.Notification, ch *models.GroupChange, silent bool) error {
	conv, err := r.convs.GetOrCreate(ctx, ch.GroupID, models.ConversationGroup)
	if err != nil {
		return err
	}

	members, diff := mergeMembers(conv.MembersV2, ch.MemberDeltas)
	conv.MembersV2 = members
	r.applySelfMembership(conv, diff)

	notices := diff.notices(conv, ch.Operator, r.self.SelfID)
	notices = append(notices, applyGroupFields(conv, ch.BasicFieldDeltas)...)

	touched, pinNotices, err := r.applyPinDeltas(ctx, conv, ch.PinDeltas, ch.Operator)
	if err != nil {
		return err
	}
	notices = append(notices, pinNotices...)

	conv.Versions.ChangeVersion = ch.ChangeVersion

	msgs := touched
	if n.Display && len(notices) > 0 {
		ts := r.timestamp(n)
		msgs = append(msgs, models.NewSystemMessage(conv.ID, ts, strings.Join(notices, "; ")))
		conv.Touch(ts)
	}

	return r.save(ctx, ledger.GroupKey(ch.GroupID), ch.ChangeVersion, conv, "group_change", silent, msgs...)
}

// recordSelfEcho advances the stored changeVersion for a change this device
// already applied. No notice is added and the update is always silent.
func (r *Router) recordSelfEcho(ctx context.Context, ch *models.GroupChange) error {
	conv, err := r.convs.GetOrCreate(ctx, ch.GroupID, models.ConversationGroup)
	if err != nil {
		return err
	}
	conv.Versions.ChangeVersion = max(conv.Versions.ChangeVersion, ch.ChangeVersion)
	return r.save(ctx, ledger.GroupKey(ch.GroupID), ch.ChangeVersion, conv, "group_self_echo", true)
}

// reloadGroup replaces the group's membership, fields and pins with the
// authoritative state and commits the version the reload reported.
func (r *Router) reloadGroup(ctx context.Context, n *models.Notification, groupID string, silent, summarize bool) error {
	state, err := r.remote.GetGroupFullState(ctx, groupID)
	if err != nil {
		metrics.RecordReload(string(ledger.KindGroup), err)
		return fmt.Errorf("reload group %s: %w", groupID, err)
	}
	pins, err := r.remote.GetGroupPins(ctx, groupID)
	if err != nil {
		metrics.RecordReload(string(ledger.KindGroup), err)
		return fmt.Errorf("reload group pins %s: %w", groupID, err)
	}
	metrics.RecordReload(string(ledger.KindGroup), nil)

	conv, err := r.convs.GetOrCreate(ctx, groupID, models.ConversationGroup)
	if err != nil {
		return err
	}
	before := conv.Clone()

	conv.MembersV2 = append([]models.Member(nil), state.Members...)
	conv.Name = state.Name
	conv.Avatar = state.Avatar
	conv.Announcement = state.Announcement
	conv.Disbanded = state.Disbanded
	conv.Pins = append([]models.Pin(nil), pins.Pins...)
	_, present := conv.Member(r.self.SelfID)
	conv.Left = !present
	conv.Versions.ChangeVersion = max(conv.Versions.ChangeVersion, state.ChangeVersion)

	var msgs []*models.Message
	if summarize {
		if notices := summarizeReload(before, conv); len(notices) > 0 {
			ts := r.timestamp(n)
			msgs = append(msgs, models.NewSystemMessage(conv.ID, ts, strings.Join(notices, "; ")))
			conv.Touch(ts)
		}
	}

	if err := r.save(ctx, ledger.GroupKey(groupID), state.ChangeVersion, conv, "group_reload", silent, msgs...); err != nil {
		return err
	}

	logging.ForAggregate(ctx, string(ledger.KindGroup), groupID, state.ChangeVersion).Info().
		Int64("previous_version", before.Versions.ChangeVersion).
		Int("members", len(conv.MembersV2)).
		Msg("Group reloaded after version gap")
	return nil
}

func (r *Router) applySelfMembership(conv *models.Conversation, diff memberDiff) {
	for _, id := range diff.joined {
		if id == r.self.SelfID {
			conv.Left = false
		}
	}
	for _, id := range append(append([]string(nil), diff.left...), diff.removed...) {
		if id == r.self.SelfID {
			conv.Left = true
		}
	}
}

type roleChange struct {
	id       string
	from, to models.Role
}

// memberDiff is what a batch of member deltas changed.
type memberDiff struct {
	joined  []string
	left    []string
	removed []string
	roles   []roleChange
}

// mergeMembers applies deltas to current. Members are replaced by id and
// added members are appended. When a batch both adds and removes an id the
// add wins.
func mergeMembers(current []models.Member, deltas []models.MemberDelta) ([]models.Member, memberDiff) {
	var diff memberDiff
	out := append([]models.Member(nil), current...)

	added := make(map[string]bool)
	for _, d := range deltas {
		if d.Action == models.MemberAdd {
			added[d.ID] = true
		}
	}

	indexOf := func(id string) int {
		for i := range out {
			if out[i].ID == id {
				return i
			}
		}
		return -1
	}

	for _, d := range deltas {
		i := indexOf(d.ID)
		switch d.Action {
		case models.MemberAdd:
			if i >= 0 {
				out[i] = d.Member()
				continue
			}
			out = append(out, d.Member())
			diff.joined = append(diff.joined, d.ID)

		case models.MemberUpdate:
			if i < 0 {
				out = append(out, d.Member())
				continue
			}
			if out[i].Role != d.Role {
				diff.roles = append(diff.roles, roleChange{id: d.ID, from: out[i].Role, to: d.Role})
			}
			out[i] = d.Member()

		case models.MemberRemove, models.MemberLeave:
			if added[d.ID] || i < 0 {
				continue
			}
			out = append(out[:i], out[i+1:]...)
			if d.Action == models.MemberLeave {
				diff.left = append(diff.left, d.ID)
			} else {
				diff.removed = append(diff.removed, d.ID)
			}
		}
	}
	return out, diff
}

// notices renders the diff as system message lines. Role transitions
// involving a single member (ownership transfer, admin promotion and
// demotion) are recognized before the generic role change line.
func (d memberDiff) notices(conv *models.Conversation, operator, self string) []string {
	label := func(id string) string {
		if id == self {
			return "You"
		}
		if m, ok := conv.Member(id); ok && m.DisplayName != "" {
			return m.DisplayName
		}
		return id
	}
	labels := func(ids []string) string {
		out := make([]string, len(ids))
		for i, id := range ids {
			out[i] = label(id)
		}
		return strings.Join(out, ", ")
	}

	var out []string
	if len(d.joined) > 0 {
		out = append(out, labels(d.joined)+" joined")
	}
	if len(d.left) > 0 {
		out = append(out, labels(d.left)+" left")
	}
	if len(d.removed) > 0 {
		if operator != "" {
			out = append(out, label(operator)+" removed "+labels(d.removed))
		} else {
			out = append(out, labels(d.removed)+" removed")
		}
	}

	roles := d.roles
	if prev, next, ok := ownershipTransfer(roles); ok {
		out = append(out, fmt.Sprintf("%s transferred ownership to %s", label(prev), label(next)))
		roles = nil
	}
	for _, rc := range roles {
		switch {
		case rc.to == models.RoleAdmin:
			out = append(out, label(rc.id)+" is now an admin")
		case rc.from == models.RoleAdmin && rc.to == models.RoleMember:
			out = append(out, label(rc.id)+" is no longer an admin")
		case rc.to == models.RoleOwner:
			out = append(out, label(rc.id)+" is now the owner")
		default:
			out = append(out, fmt.Sprintf("%s is now %s", label(rc.id), rc.to))
		}
	}
	return out
}

// ownershipTransfer matches a batch that moves the owner role from one
// member to another.
func ownershipTransfer(roles []roleChange) (prev, next string, ok bool) {
	if len(roles) != 2 {
		return "", "", false
	}
	for i := 0; i < 2; i++ {
		a, b := roles[i], roles[1-i]
		if a.from == models.RoleOwner && a.to != models.RoleOwner && b.to == models.RoleOwner {
			return a.id, b.id, true
		}
	}
	return "", "", false
}

func applyGroupFields(conv *models.Conversation, d *models.GroupFieldDelta) []string {
	if d == nil {
		return nil
	}
	var out []string
	if d.Name != nil && *d.Name != conv.Name {
		conv.Name = *d.Name
		out = append(out, fmt.Sprintf("Group name is now %q", conv.Name))
	}
	if d.Avatar != nil && *d.Avatar != conv.Avatar {
		conv.Avatar = *d.Avatar
		out = append(out, "Group avatar updated")
	}
	if d.Announcement != nil && *d.Announcement != conv.Announcement {
		conv.Announcement = *d.Announcement
		out = append(out, "Group announcement updated")
	}
	if d.Disbanded != nil && *d.Disbanded != conv.Disbanded {
		conv.Disbanded = *d.Disbanded
		if conv.Disbanded {
			out = append(out, "Group disbanded")
		}
	}
	return out
}

// applyPinDeltas updates the pin list and returns the stored messages whose
// pinned flag changed.
func (r *Router) applyPinDeltas(ctx context.Context, conv *models.Conversation, deltas []models.PinDelta, operator string) ([]*models.Message, []string, error) {
	var touched []*models.Message
	var notices []string

	for _, d := range deltas {
		key := d.Pin.Key()
		kept := conv.Pins[:0:0]
		for _, p := range conv.Pins {
			if p.Key() != key {
				kept = append(kept, p)
			}
		}
		pinned := d.Action == models.PinAdd
		if pinned {
			kept = append(kept, d.Pin)
		}
		conv.Pins = kept

		who := operator
		if who == "" {
			who = "Someone"
		}
		if pinned {
			notices = append(notices, who+" pinned a message")
		} else {
			notices = append(notices, who+" unpinned a message")
		}

		msg, err := r.store.GetMessageByKey(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("look up pinned message %s: %w", key, err)
		}
		if msg.ConversationID == conv.ID && msg.Pinned != pinned {
			msg.Pinned = pinned
			touched = append(touched, msg)
		}
	}
	return touched, notices, nil
}

// summarizeReload describes the net difference between two group states.
func summarizeReload(before, after *models.Conversation) []string {
	var out []string
	if before.Name != after.Name && after.Name != "" {
		out = append(out, fmt.Sprintf("Group name is now %q", after.Name))
	}

	prev := make(map[string]bool, len(before.MembersV2))
	for _, m := range before.MembersV2 {
		prev[m.ID] = true
	}
	next := make(map[string]bool, len(after.MembersV2))
	var joined []string
	for _, m := range after.MembersV2 {
		next[m.ID] = true
		if !prev[m.ID] {
			joined = append(joined, m.ID)
		}
	}
	var left []string
	for _, m := range before.MembersV2 {
		if !next[m.ID] {
			left = append(left, m.ID)
		}
	}

	if len(joined) > 0 {
		out = append(out, strings.Join(joined, ", ")+" joined")
	}
	if len(left) > 0 {
		out = append(out, strings.Join(left, ", ")+" left")
	}
	return out
}
