package mailboxmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jmapsync/internal/config"
	"jmapsync/internal/model"
)

func defaultTags() config.Tags {
	return config.Tags{
		DirectorySeparator: "/",
		Inbox:              "inbox",
		Deleted:            "deleted",
		Sent:               "sent",
		Spam:               "spam",
		Important:          "important",
		Phishing:           "phishing",
	}
}

func TestBuild_RequiresArchiveMailbox(t *testing.T) {
	_, err := Build([]model.Mailbox{
		{Id: "1", Name: "Inbox", Role: model.RoleInbox},
	}, defaultTags())
	require.Error(t, err)
}

func TestBuild_PlainMailboxGetsNameTag(t *testing.T) {
	set, err := Build([]model.Mailbox{
		{Id: "1", Name: "Archive", Role: model.RoleArchive},
		{Id: "2", Name: "Projects"},
	}, defaultTags())
	require.NoError(t, err)
	assert.Equal(t, model.Id("1"), set.ArchiveId)
	assert.Equal(t, "Projects", set.MailboxesById["2"].Tag)
	assert.Equal(t, model.Id("2"), set.IdsByTag["Projects"])
}

func TestBuild_RoleMailboxGetsConfiguredTag(t *testing.T) {
	set, err := Build([]model.Mailbox{
		{Id: "1", Name: "Archive", Role: model.RoleArchive},
		{Id: "2", Name: "Sent Items", Role: model.RoleSent},
	}, defaultTags())
	require.NoError(t, err)
	assert.Equal(t, "sent", set.MailboxesById["2"].Tag)
	assert.Equal(t, model.Id("2"), set.RoleIds["sent"])
}

func TestBuild_NestedMailboxJoinsSegments(t *testing.T) {
	set, err := Build([]model.Mailbox{
		{Id: "1", Name: "Archive", Role: model.RoleArchive},
		{Id: "2", Name: "Lists"},
		{Id: "3", Name: "golang-nuts", ParentId: "2"},
	}, defaultTags())
	require.NoError(t, err)
	assert.Equal(t, "Lists/golang-nuts", set.MailboxesById["3"].Tag)
}

func TestBuild_CycleIsFatal(t *testing.T) {
	_, err := Build([]model.Mailbox{
		{Id: "1", Name: "Archive", Role: model.RoleArchive},
		{Id: "2", Name: "A", ParentId: "3"},
		{Id: "3", Name: "B", ParentId: "2"},
	}, defaultTags())
	require.Error(t, err)
}

func TestBuild_DuplicateRoleUsesLowestIdAndOthersFallBackToName(t *testing.T) {
	set, err := Build([]model.Mailbox{
		{Id: "1", Name: "Archive", Role: model.RoleArchive},
		{Id: "3", Name: "Trash", Role: model.RoleTrash},
		{Id: "2", Name: "Deleted Items", Role: model.RoleTrash},
	}, defaultTags())
	require.NoError(t, err)
	// lowest id among the two trash-role mailboxes is "2"
	assert.Equal(t, model.Id("2"), set.RoleIds["deleted"])
	assert.Equal(t, "deleted", set.MailboxesById["2"].Tag)
	assert.Equal(t, "Trash", set.MailboxesById["3"].Tag)
}

func TestBuild_EmptyRoleTagMeansIgnored(t *testing.T) {
	cfg := defaultTags()
	cfg.Spam = ""
	set, err := Build([]model.Mailbox{
		{Id: "1", Name: "Archive", Role: model.RoleArchive},
		{Id: "2", Name: "Junk", Role: model.RoleJunk},
	}, cfg)
	require.NoError(t, err)
	assert.True(t, set.IgnoredIds["2"])
	_, ok := set.MailboxesById["2"]
	assert.False(t, ok)
}

func TestDesiredTags_KeywordsAndMailboxMembership(t *testing.T) {
	cfg := defaultTags()
	set, err := Build([]model.Mailbox{
		{Id: "1", Name: "Archive", Role: model.RoleArchive},
		{Id: "2", Name: "Projects"},
	}, cfg)
	require.NoError(t, err)

	e := &model.RemoteEmail{
		Id:         "e1",
		Keywords:   map[model.Keyword]bool{model.KeywordAnswered: true},
		MailboxIds: map[model.Id]bool{"2": true},
	}
	tags := DesiredTags(e, set, cfg)
	assert.True(t, tags["replied"])
	assert.True(t, tags["unread"]) // not $seen
	assert.True(t, tags["Projects"])
}

func TestDesiredTags_SeenKeywordSuppressesUnreadTag(t *testing.T) {
	cfg := defaultTags()
	set, err := Build([]model.Mailbox{
		{Id: "1", Name: "Archive", Role: model.RoleArchive},
	}, cfg)
	require.NoError(t, err)

	e := &model.RemoteEmail{Keywords: map[model.Keyword]bool{model.KeywordSeen: true}}
	tags := DesiredTags(e, set, cfg)
	assert.False(t, tags["unread"])
}

func TestBuildPatch_RoundTripsThroughDesiredTags(t *testing.T) {
	cfg := defaultTags()
	set, err := Build([]model.Mailbox{
		{Id: "1", Name: "Archive", Role: model.RoleArchive},
		{Id: "2", Name: "Projects"},
	}, cfg)
	require.NoError(t, err)

	e := &model.RemoteEmail{
		Id:         "e1",
		Keywords:   map[model.Keyword]bool{model.KeywordFlagged: true},
		MailboxIds: map[model.Id]bool{"2": true},
	}
	tags := DesiredTags(e, set, cfg)

	patch := BuildPatch(tags, e.MailboxIds, set, cfg)
	assert.True(t, patch.KeywordSet["$flagged"])
	assert.False(t, patch.KeywordSet["$seen"]) // no $seen keyword -> unread tag -> $seen false
	assert.True(t, patch.MailboxIds["2"])
}

func TestBuildPatch_NoMailboxesFallsBackToArchive(t *testing.T) {
	cfg := defaultTags()
	set, err := Build([]model.Mailbox{
		{Id: "1", Name: "Archive", Role: model.RoleArchive},
	}, cfg)
	require.NoError(t, err)

	patch := BuildPatch(map[string]bool{}, map[model.Id]bool{}, set, cfg)
	assert.True(t, patch.MailboxIds[set.ArchiveId])
}

func TestBuildPatch_PreservesIgnoredMailboxMembership(t *testing.T) {
	cfg := defaultTags()
	set, err := Build([]model.Mailbox{
		{Id: "1", Name: "Archive", Role: model.RoleArchive},
		{Id: "2", Name: "All Mail", Role: model.RoleAll},
	}, cfg)
	require.NoError(t, err)
	require.True(t, set.IgnoredIds["2"])

	patch := BuildPatch(map[string]bool{}, map[model.Id]bool{"2": true}, set, cfg)
	assert.True(t, patch.MailboxIds["2"])
}

func TestKeywordMappedTags_IncludesConfiguredTags(t *testing.T) {
	cfg := defaultTags()
	tags := KeywordMappedTags(cfg)
	assert.True(t, tags["draft"])
	assert.True(t, tags["spam"])
	assert.True(t, tags["important"])
	assert.True(t, tags["phishing"])
}
