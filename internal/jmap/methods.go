package jmap

import (
	gojmap "git.sr.ht/~rockorager/go-jmap"
	"git.sr.ht/~rockorager/go-jmap/mail/email"
	"git.sr.ht/~rockorager/go-jmap/mail/emailsubmission"
	"git.sr.ht/~rockorager/go-jmap/mail/identity"
	"git.sr.ht/~rockorager/go-jmap/mail/mailbox"
)

// EmailGetState requests the current Email/get state without fetching
// any objects, purely to learn the data-type state string.
func EmailGetState(req *gojmap.Request, account gojmap.ID) {
	req.Invoke(&email.Get{
		Account:    account,
		IDs:        []gojmap.ID{},
		Properties: []string{},
	})
}

// EmailQueryPage requests one page of all email ids, ordered by
// receivedAt descending (the one stable property every server sorts
// on), starting at position or continuing from anchor.
func EmailQueryPage(req *gojmap.Request, account gojmap.ID, position int64, anchor gojmap.ID) {
	q := &email.Query{
		Account: account,
		Sort: []*email.SortComparator{
			{Property: "receivedAt", IsAscending: false},
		},
		CalculateTotal: false,
	}
	if anchor != "" {
		q.Anchor = anchor
		q.AnchorOffset = 1
	} else {
		q.Position = position
	}
	req.Invoke(q)
}

// EmailChangesPage requests one page of Email/changes since sinceState.
func EmailChangesPage(req *gojmap.Request, account gojmap.ID, sinceState gojmap.State) {
	req.Invoke(&email.Changes{
		Account:    account,
		SinceState: sinceState,
	})
}

// EmailGetProperties requests {id, blobId, keywords, mailboxIds} for
// exactly the given ids. Callers are responsible for chunking ids to
// maxObjectsInGet.
func EmailGetProperties(req *gojmap.Request, account gojmap.ID, ids []gojmap.ID) {
	req.Invoke(&email.Get{
		Account:    account,
		IDs:        ids,
		Properties: []string{"id", "blobId", "keywords", "mailboxIds"},
	})
}

// EmailSetUpdate requests a chunk of per-id patches to apply.
func EmailSetUpdate(req *gojmap.Request, account gojmap.ID, patches map[gojmap.ID]gojmap.Patch) {
	req.Invoke(&email.Set{
		Account: account,
		Update:  patches,
	})
}

// MailboxGetAll requests every mailbox in the account.
func MailboxGetAll(req *gojmap.Request, account gojmap.ID) {
	req.Invoke(&mailbox.Get{
		Account: account,
	})
}

// MailboxSetCreate requests creation of the given mailboxes, referenced
// by client-chosen creation ids so siblings can use "#<creationId>"
// back-references to parents created earlier in the same batch.
func MailboxSetCreate(req *gojmap.Request, account gojmap.ID, create map[gojmap.ID]*mailbox.Mailbox) {
	req.Invoke(&mailbox.Set{
		Account: account,
		Create:  create,
	})
}

// IdentityGetAll requests every identity on the account, used by the
// send path to pick a From address.
func IdentityGetAll(req *gojmap.Request, account gojmap.ID) {
	req.Invoke(&identity.Get{
		Account: account,
	})
}

// EmailImportOne requests that a previously uploaded blob be imported
// as a new Email with the given mailbox membership and keywords.
func EmailImportOne(req *gojmap.Request, account gojmap.ID, creationID gojmap.ID, blobID gojmap.ID, mailboxIds map[gojmap.ID]bool, keywords map[string]bool) {
	req.Invoke(&email.Import{
		Account: account,
		Emails: map[gojmap.ID]*email.EmailImport{
			creationID: {
				BlobID:     blobID,
				MailboxIDs: mailboxIds,
				Keywords:   keywords,
			},
		},
	})
}

// EmailSubmissionCreate requests submission of a draft email, removing
// it from the drafts mailbox on success.
func EmailSubmissionCreate(req *gojmap.Request, account gojmap.ID, creationID, emailCreationID gojmap.ID, envelope *emailsubmission.Envelope, draftsMailbox gojmap.ID) {
	req.Invoke(&emailsubmission.Set{
		Account: account,
		Create: map[gojmap.ID]*emailsubmission.EmailSubmission{
			creationID: {
				EmailID:  gojmap.ID("#" + string(emailCreationID)),
				Envelope: envelope,
			},
		},
		OnSuccessUpdateEmail: map[gojmap.ID]gojmap.Patch{
			gojmap.ID("#" + string(creationID)): {
				"mailboxIds/" + string(draftsMailbox): nil,
				"keywords/$draft":                      nil,
			},
		},
	})
}
