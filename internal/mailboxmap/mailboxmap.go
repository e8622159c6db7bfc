// Package mailboxmap implements the Mailbox Mapper (§4.3): translating
// server mailboxes and keywords into local tag strings and back.
package mailboxmap

import (
	"fmt"
	"sort"
	"strings"

	"jmapsync/internal/config"
	"jmapsync/internal/model"
)

// roleTagConfig returns the configured tag name for a role that has one
// (empty means "do not synchronize"), and whether the role is one
// mailbox-mapper cares about at all.
func roleTagConfig(cfg config.Tags, role model.MailboxRole) (tag string, tracked bool) {
	switch role {
	case model.RoleDrafts:
		return "draft", true
	case model.RoleFlagged:
		return "flagged", true
	case model.RoleImportant:
		return cfg.Important, true
	case model.RoleInbox:
		return cfg.Inbox, true
	case model.RoleJunk:
		return cfg.Spam, true
	case model.RoleSent:
		return cfg.Sent, true
	case model.RoleTrash:
		return cfg.Deleted, true
	default:
		return "", false
	}
}

// Build computes the MailboxSet from the raw server mailbox list and
// the tag configuration. It fails on a parent cycle (§4.3, §9).
func Build(mailboxes []model.Mailbox, cfg config.Tags) (*model.MailboxSet, error) {
	byId := make(map[model.Id]model.Mailbox, len(mailboxes))
	for _, m := range mailboxes {
		byId[m.Id] = m
	}

	// §9(c): when a role is duplicated, pick the lowest id
	// lexicographically for determinism.
	lowestForRole := make(map[model.MailboxRole]model.Id)
	for _, m := range mailboxes {
		if m.Role == "" {
			continue
		}
		if existing, ok := lowestForRole[m.Role]; !ok || m.Id < existing {
			lowestForRole[m.Role] = m.Id
		}
	}

	set := model.NewMailboxSet()

	var archiveCandidates []model.Id
	for _, m := range mailboxes {
		if m.Role == model.RoleArchive {
			archiveCandidates = append(archiveCandidates, m.Id)
		}
	}
	if len(archiveCandidates) == 0 {
		return nil, fmt.Errorf("no Archive mailbox found; cannot proceed")
	}
	sort.Slice(archiveCandidates, func(i, j int) bool { return archiveCandidates[i] < archiveCandidates[j] })
	set.ArchiveId = archiveCandidates[0]

	for _, m := range mailboxes {
		tag, ignored, err := mailboxTag(m, byId, lowestForRole, cfg)
		if err != nil {
			return nil, err
		}
		if ignored || m.Id == set.ArchiveId {
			set.IgnoredIds[m.Id] = true
			continue
		}
		if model.ReservedTags[tag] {
			set.IgnoredIds[m.Id] = true
			continue
		}
		set.MailboxesById[m.Id] = model.MailboxTag{Id: m.Id, Tag: tag}
		set.IdsByTag[tag] = m.Id
	}

	for role, id := range lowestForRole {
		switch role {
		case model.RoleDrafts:
			set.RoleIds["draft"] = id
		case model.RoleFlagged:
			set.RoleIds["flagged"] = id
		case model.RoleImportant:
			set.RoleIds["important"] = id
		case model.RoleJunk:
			set.RoleIds["spam"] = id
		case model.RoleSent:
			set.RoleIds["sent"] = id
		case model.RoleTrash:
			set.RoleIds["deleted"] = id
		}
	}

	return set, nil
}

// mailboxTag walks the parent chain of m and produces its tag, or
// reports that it should be ignored. A cycle in the parent chain is a
// fatal error.
func mailboxTag(m model.Mailbox, byId map[model.Id]model.Mailbox, lowestForRole map[model.MailboxRole]model.Id, cfg config.Tags) (tag string, ignored bool, err error) {
	if m.Role == model.RoleAll || m.Role == model.RoleArchive {
		return "", true, nil
	}

	// Walk root -> leaf, detecting cycles and role-disabled ancestors.
	var chain []model.Mailbox
	visited := make(map[model.Id]bool)
	cur := m
	for {
		if visited[cur.Id] {
			return "", false, fmt.Errorf("mailbox parent cycle detected at %q", cur.Id)
		}
		visited[cur.Id] = true
		chain = append([]model.Mailbox{cur}, chain...)
		if cur.ParentId == "" {
			break
		}
		parent, ok := byId[cur.ParentId]
		if !ok {
			break
		}
		cur = parent
	}

	segments := make([]string, 0, len(chain))
	for _, node := range chain {
		if node.Role != "" && node.Role != model.RoleAll && node.Role != model.RoleArchive {
			if owner, ok := lowestForRole[node.Role]; ok && owner != node.Id {
				// A duplicated role: only the deterministically chosen
				// mailbox (lowest id) contributes a role segment; the
				// rest fall back to their own name (§9c).
				segments = append(segments, plainSegment(node, cfg))
				continue
			}
			if roleTag, tracked := roleTagConfig(cfg, node.Role); tracked {
				if roleTag == "" {
					return "", true, nil
				}
				segments = append(segments, roleTag)
				continue
			}
		}
		segments = append(segments, plainSegment(node, cfg))
	}

	return strings.Join(segments, cfg.DirectorySeparator), false, nil
}

func plainSegment(m model.Mailbox, cfg config.Tags) string {
	if cfg.Lowercase {
		return strings.ToLower(m.Name)
	}
	return m.Name
}

// DesiredTags computes the local tag set a RemoteEmail should carry,
// given the current MailboxSet.
func DesiredTags(e *model.RemoteEmail, set *model.MailboxSet, cfg config.Tags) map[string]bool {
	tags := make(map[string]bool)

	_, hasDraftsMailbox := set.RoleIds["draft"]
	_, hasFlaggedMailbox := set.RoleIds["flagged"]
	_, hasImportantMailbox := set.RoleIds["important"]
	_, hasJunkMailbox := set.RoleIds["spam"]

	if e.HasKeyword(model.KeywordAnswered) {
		tags["replied"] = true
	}
	if e.HasKeyword(model.KeywordForwarded) {
		tags["passed"] = true
	}
	if e.HasKeyword(model.KeywordDraft) && !hasDraftsMailbox {
		tags["draft"] = true
	}
	if e.HasKeyword(model.KeywordFlagged) && !hasFlaggedMailbox {
		tags["flagged"] = true
	}
	if e.HasKeyword(model.KeywordImportant) && !hasImportantMailbox && cfg.Important != "" {
		tags[cfg.Important] = true
	}
	if e.HasKeyword(model.KeywordPhishing) && cfg.Phishing != "" {
		tags[cfg.Phishing] = true
	}

	if !e.HasKeyword(model.KeywordSeen) {
		tags["unread"] = true
	}
	if !hasJunkMailbox && cfg.Spam != "" && e.HasKeyword(model.KeywordJunk) && !e.HasKeyword(model.KeywordNotJunk) {
		tags[cfg.Spam] = true
	}

	for mbId := range e.MailboxIds {
		if mt, ok := set.MailboxesById[mbId]; ok {
			tags[mt.Tag] = true
		}
	}

	return tags
}

// KeywordMappedTags returns the tags derived from keywords rather than mailbox
// membership; EnsureMailboxes must not try to create mailboxes for
// these.
func KeywordMappedTags(cfg config.Tags) map[string]bool {
	out := map[string]bool{
		"draft": true, "flagged": true, "passed": true, "replied": true, "unread": true,
	}
	for _, t := range []string{cfg.Spam, cfg.Important, cfg.Phishing} {
		if t != "" {
			out[t] = true
		}
	}
	return out
}

// EmailPatch is the transport-neutral form of a §4.1 "Email patches"
// update: a set of keyword flips plus the full replacement mailboxIds
// set.
type EmailPatch struct {
	KeywordSet   map[string]bool // keyword -> true to set, false to clear
	MailboxIds   map[model.Id]bool
}

// BuildPatch computes the patch to send for a locally-modified email,
// given its current tag set and the mailboxes it already belongs to on
// the server (so ignored-mailbox membership the server already has is
// preserved).
func BuildPatch(tags map[string]bool, currentMailboxIds map[model.Id]bool, set *model.MailboxSet, cfg config.Tags) EmailPatch {
	p := EmailPatch{KeywordSet: make(map[string]bool)}

	p.KeywordSet["$draft"] = tags["draft"]
	p.KeywordSet["$seen"] = !tags["unread"]
	p.KeywordSet["$flagged"] = tags["flagged"]
	p.KeywordSet["$answered"] = tags["replied"]
	p.KeywordSet["$forwarded"] = tags["passed"]

	if _, hasJunkMailbox := set.RoleIds["spam"]; !hasJunkMailbox {
		isSpam := cfg.Spam != "" && tags[cfg.Spam]
		p.KeywordSet["$junk"] = isSpam
		p.KeywordSet["$notjunk"] = !isSpam
	}
	if cfg.Phishing != "" {
		p.KeywordSet["$phishing"] = tags[cfg.Phishing]
	}
	if _, hasImportantMailbox := set.RoleIds["important"]; !hasImportantMailbox && cfg.Important != "" {
		p.KeywordSet["$important"] = tags[cfg.Important]
	}

	mailboxIds := make(map[model.Id]bool)
	for id := range currentMailboxIds {
		if set.IgnoredIds[id] {
			mailboxIds[id] = true
		}
	}
	for tag, id := range set.IdsByTag {
		if tags[tag] {
			mailboxIds[id] = true
		}
	}
	if len(mailboxIds) == 0 {
		mailboxIds[set.ArchiveId] = true
	}
	p.MailboxIds = mailboxIds

	return p
}
