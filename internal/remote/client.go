// Package remote implements the Remote Client component (§4.1): session
// management, paginated listing, incremental changes, chunked property
// fetch, blob download, mailbox creation, and patch upload.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	gojmap "git.sr.ht/~rockorager/go-jmap"
	"git.sr.ht/~rockorager/go-jmap/mail/email"
	"git.sr.ht/~rockorager/go-jmap/mail/emailsubmission"
	"git.sr.ht/~rockorager/go-jmap/mail/identity"
	"git.sr.ht/~rockorager/go-jmap/mail/mailbox"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/yosida95/uritemplate/v3"

	jmapmodel "jmapsync/internal/jmap"
	"jmapsync/internal/model"
)

// maxBlobBytes bounds any single message download, per §4.1.
const maxBlobBytes = 10 * 1024 * 1024

// Client is the Remote Client: it knows how to perform each of the
// operations the sync engine needs, on top of an open Session.
type Client struct {
	sess *Session
	log  zerolog.Logger
}

// New wraps an open session.
func New(sess *Session, log zerolog.Logger) *Client {
	return &Client{sess: sess, log: log}
}

func (c *Client) account() gojmap.ID {
	return c.sess.PrimaryAccountId()
}

// do executes req, then refreshes the session if the response's
// sessionState differs from the cached session's state.
func (c *Client) do(req *gojmap.Request) (*gojmap.Response, error) {
	resp, err := c.sess.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("JMAP request failed: %w", err)
	}
	if resp.SessionState != "" && c.sess.Session != nil && string(resp.SessionState) != c.sess.Session.State {
		c.log.Debug().Msg("session state changed, refreshing session")
		if err := c.sess.Refresh(); err != nil {
			return nil, err
		}
	}
	return resp, nil
}

// ListAllEmailIds performs a combined Email/get (for state) + paginated
// Email/query, returning the data-type state and every email id in the
// account.
func (c *Client) ListAllEmailIds(ctx context.Context) (model.State, []model.Id, error) {
	req := &gojmap.Request{}
	jmapmodel.EmailGetState(req, c.account())
	jmapmodel.EmailQueryPage(req, c.account(), 0, "")

	resp, err := c.do(req)
	if err != nil {
		return "", nil, err
	}

	getResp, err := jmapmodel.Extract[*email.GetResponse](resp, jmapmodel.CallState)
	if err != nil {
		return "", nil, err
	}
	state := model.State(getResp.State)

	queryResp, err := jmapmodel.Extract[*email.QueryResponse](resp, jmapmodel.CallPrimary)
	if err != nil {
		return "", nil, err
	}

	if queryResp.Limit == 0 {
		return "", nil, fmt.Errorf("server returned a limit of 0 for Email/query, which is a protocol error")
	}
	ids := idsOf(queryResp.IDs)
	if len(queryResp.IDs) < int(queryResp.Limit) {
		return state, ids, nil
	}

	// Page forward using the last id seen as anchor until a short or
	// empty page arrives.
	anchor := queryResp.IDs[len(queryResp.IDs)-1]
	for {
		pageReq := &gojmap.Request{}
		jmapmodel.EmailQueryPage(pageReq, c.account(), 0, anchor)
		pageResp, err := c.do(pageReq)
		if err != nil {
			return "", nil, err
		}
		page, err := jmapmodel.Extract[*email.QueryResponse](pageResp, jmapmodel.CallState)
		if err != nil {
			return "", nil, err
		}
		if len(page.IDs) == 0 {
			break
		}
		ids = append(ids, idsOf(page.IDs)...)
		if len(page.IDs) < int(page.Limit) {
			break
		}
		anchor = page.IDs[len(page.IDs)-1]
	}

	return state, ids, nil
}

func idsOf(in []gojmap.ID) []model.Id {
	out := make([]model.Id, len(in))
	for i, id := range in {
		out[i] = model.Id(id)
	}
	return out
}

// ChangesResult is the merged result of one or more Email/changes
// pages.
type ChangesResult struct {
	NewState  model.State
	Created   []model.Id
	Updated   []model.Id
	Destroyed []model.Id
}

// Changes follows Email/changes from sinceState until hasMoreChanges is
// false, merging created/updated/destroyed across pages. Items that
// appear in both created and updated within the merged result are
// counted only as created, per §4.1.
func (c *Client) Changes(ctx context.Context, sinceState model.State) (*ChangesResult, error) {
	created := map[model.Id]bool{}
	updated := map[model.Id]bool{}
	destroyed := map[model.Id]bool{}

	state := sinceState
	for {
		req := &gojmap.Request{}
		jmapmodel.EmailChangesPage(req, c.account(), gojmap.State(state))
		resp, err := c.do(req)
		if err != nil {
			return nil, err
		}
		page, err := jmapmodel.Extract[*email.ChangesResponse](resp, jmapmodel.CallState)
		if err != nil {
			return nil, err
		}

		for _, id := range page.Created {
			created[model.Id(id)] = true
		}
		for _, id := range page.Updated {
			if !created[model.Id(id)] {
				updated[model.Id(id)] = true
			}
		}
		for _, id := range page.Destroyed {
			destroyed[model.Id(id)] = true
		}

		state = model.State(page.NewState)
		if !page.HasMoreChanges {
			break
		}
	}

	result := &ChangesResult{NewState: state}
	for id := range created {
		result.Created = append(result.Created, id)
	}
	for id := range updated {
		result.Updated = append(result.Updated, id)
	}
	for id := range destroyed {
		result.Destroyed = append(result.Destroyed, id)
	}
	return result, nil
}

// FetchProperties chunks ids into batches of maxObjectsInGet and
// returns {id, blobId, keywords, mailboxIds} for each.
func (c *Client) FetchProperties(ctx context.Context, ids []model.Id) (map[model.Id]*model.RemoteEmail, error) {
	chunkSize := int(c.sess.Session.CoreCapability.MaxObjectsInGet)
	if chunkSize <= 0 {
		chunkSize = 200
	}

	out := make(map[model.Id]*model.RemoteEmail, len(ids))
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunk := make([]gojmap.ID, end-start)
		for i, id := range ids[start:end] {
			chunk[i] = gojmap.ID(id)
		}

		req := &gojmap.Request{}
		jmapmodel.EmailGetProperties(req, c.account(), chunk)
		resp, err := c.do(req)
		if err != nil {
			return nil, err
		}
		getResp, err := jmapmodel.Extract[*email.GetResponse](resp, jmapmodel.CallState)
		if err != nil {
			return nil, err
		}

		for _, e := range getResp.List {
			re := &model.RemoteEmail{
				Id:         model.Id(e.ID),
				BlobId:     model.Id(e.BlobID),
				Keywords:   make(map[model.Keyword]bool),
				MailboxIds: make(map[model.Id]bool),
			}
			for kw, set := range e.Keywords {
				if !set {
					continue
				}
				if k := model.ParseKeyword(kw); k != model.KeywordUnknown {
					re.Keywords[k] = true
				}
			}
			for mb, set := range e.MailboxIDs {
				if set {
					re.MailboxIds[model.Id(mb)] = true
				}
			}
			out[re.Id] = re
		}
	}
	return out, nil
}

// DownloadBlob streams blobID's content, bounded to maxBlobBytes.
func (c *Client) DownloadBlob(ctx context.Context, blobID model.Id) (io.ReadCloser, error) {
	tpl, err := uritemplate.New(c.sess.Session.DownloadURL)
	if err != nil {
		return nil, fmt.Errorf("invalid downloadUrl template: %w", err)
	}
	values := uritemplate.Values{}
	values.Set("accountId", uritemplate.String(string(c.account())))
	values.Set("blobId", uritemplate.String(string(blobID)))
	values.Set("type", uritemplate.String("text/plain"))
	values.Set("name", uritemplate.String(string(blobID)))
	url := tpl.Expand(values)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.sess.Client.HttpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("blob download transport error: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, fmt.Errorf("blob download returned status %d", resp.StatusCode)
	}
	return struct {
		io.Reader
		io.Closer
	}{io.LimitReader(resp.Body, maxBlobBytes), resp.Body}, nil
}

// UploadBlob uploads the raw RFC 5322 message in r, returning the
// resulting blobId for use with EmailImportOne.
func (c *Client) UploadBlob(ctx context.Context, r io.Reader) (model.Id, error) {
	tpl, err := uritemplate.New(c.sess.Session.UploadURL)
	if err != nil {
		return "", fmt.Errorf("invalid uploadUrl template: %w", err)
	}
	values := uritemplate.Values{}
	values.Set("accountId", uritemplate.String(string(c.account())))
	url := tpl.Expand(values)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, r)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "message/rfc822")
	resp, err := c.sess.Client.HttpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("blob upload transport error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("blob upload returned status %d", resp.StatusCode)
	}

	var uploaded struct {
		BlobID gojmap.ID `json:"blobId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		return "", fmt.Errorf("could not decode upload response: %w", err)
	}
	return model.Id(uploaded.BlobID), nil
}

// FetchMailboxes returns every mailbox in the account.
func (c *Client) FetchMailboxes(ctx context.Context) ([]model.Mailbox, error) {
	req := &gojmap.Request{}
	jmapmodel.MailboxGetAll(req, c.account())
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	getResp, err := jmapmodel.Extract[*mailbox.GetResponse](resp, jmapmodel.CallState)
	if err != nil {
		return nil, err
	}

	out := make([]model.Mailbox, 0, len(getResp.List))
	for _, m := range getResp.List {
		out = append(out, model.Mailbox{
			Id:       model.Id(m.ID),
			ParentId: model.Id(m.ParentID),
			Name:     m.Name,
			Role:     model.MailboxRole(m.Role),
		})
	}
	return out, nil
}

// CreateMailboxes materializes every tag path in tags that doesn't yet
// exist, parents first, using "#<creationId>" back-references within
// one batch. It returns the new tag -> id mapping.
func (c *Client) CreateMailboxes(ctx context.Context, tagsByLengthAsc []string, separator string) (map[string]model.Id, error) {
	req := &gojmap.Request{}
	create := make(map[gojmap.ID]*mailbox.Mailbox)
	creationIDByTag := make(map[string]gojmap.ID)

	for _, tag := range tagsByLengthAsc {
		segments := splitTag(tag, separator)
		parentTag := ""
		var parentRef gojmap.ID
		if len(segments) > 1 {
			parentTag = joinTag(segments[:len(segments)-1], separator)
			parentRef = creationIDByTag[parentTag]
		}

		creationID := gojmap.ID(uuid.NewString())
		creationIDByTag[tag] = creationID

		m := &mailbox.Mailbox{
			Name: segments[len(segments)-1],
		}
		if parentRef != "" {
			m.ParentID = gojmap.ID("#" + string(parentRef))
		}
		create[creationID] = m
	}

	jmapmodel.MailboxSetCreate(req, c.account(), create)
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	setResp, err := jmapmodel.Extract[*mailbox.SetResponse](resp, jmapmodel.CallState)
	if err != nil {
		return nil, err
	}
	if len(setResp.NotCreated) > 0 {
		return nil, fmt.Errorf("server refused to create mailboxes: %v", setResp.NotCreated)
	}

	out := make(map[string]model.Id, len(creationIDByTag))
	for tag, creationID := range creationIDByTag {
		created, ok := setResp.Created[creationID]
		if !ok {
			return nil, fmt.Errorf("server did not confirm creation of mailbox for tag %q", tag)
		}
		out[tag] = model.Id(created.ID)
	}
	return out, nil
}

// PushPatches sends the given per-id patches in chunks of
// maxObjectsInSet. A non-empty notUpdated in any chunk is fatal.
func (c *Client) PushPatches(ctx context.Context, patches map[model.Id]gojmap.Patch) error {
	chunkSize := int(c.sess.Session.CoreCapability.MaxObjectsInSet)
	if chunkSize <= 0 {
		chunkSize = 200
	}

	ids := make([]model.Id, 0, len(patches))
	for id := range patches {
		ids = append(ids, id)
	}

	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}

		chunk := make(map[gojmap.ID]gojmap.Patch, end-start)
		for _, id := range ids[start:end] {
			chunk[gojmap.ID(id)] = patches[id]
		}

		req := &gojmap.Request{}
		jmapmodel.EmailSetUpdate(req, c.account(), chunk)
		resp, err := c.do(req)
		if err != nil {
			return err
		}
		setResp, err := jmapmodel.Extract[*email.SetResponse](resp, jmapmodel.CallState)
		if err != nil {
			return err
		}
		if len(setResp.NotUpdated) > 0 {
			return fmt.Errorf("server rejected %d email update(s): %v", len(setResp.NotUpdated), setResp.NotUpdated)
		}
	}
	return nil
}

// SubmitEmail imports blobID as a new Email with the given mailbox
// membership and keywords, then submits it for delivery in the same
// batch, referencing the import by its creation id.
func (c *Client) SubmitEmail(ctx context.Context, blobID model.Id, mailboxIds map[gojmap.ID]bool, keywords map[string]bool, envelope *emailsubmission.Envelope) error {
	const emailCreationID = gojmap.ID("msg")
	const submissionCreationID = gojmap.ID("submission")

	req := &gojmap.Request{}
	jmapmodel.EmailImportOne(req, c.account(), emailCreationID, gojmap.ID(blobID), mailboxIds, keywords)
	jmapmodel.EmailSubmissionCreate(req, c.account(), submissionCreationID, emailCreationID, envelope, "")

	resp, err := c.do(req)
	if err != nil {
		return err
	}
	if _, err := jmapmodel.Extract[*email.ImportResponse](resp, jmapmodel.CallState); err != nil {
		return fmt.Errorf("could not import outgoing message: %w", err)
	}
	if _, err := jmapmodel.Extract[*emailsubmission.SetResponse](resp, jmapmodel.CallPrimary); err != nil {
		return fmt.Errorf("could not submit outgoing message: %w", err)
	}
	return nil
}

// FetchIdentities returns every identity on the account, used by the
// send path.
func (c *Client) FetchIdentities(ctx context.Context) ([]*identity.Identity, error) {
	req := &gojmap.Request{}
	jmapmodel.IdentityGetAll(req, c.account())
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	getResp, err := jmapmodel.Extract[*identity.GetResponse](resp, jmapmodel.CallState)
	if err != nil {
		return nil, err
	}
	return getResp.List, nil
}

func splitTag(tag, separator string) []string {
	var segs []string
	start := 0
	for i := 0; i+len(separator) <= len(tag); {
		if tag[i:i+len(separator)] == separator {
			segs = append(segs, tag[start:i])
			i += len(separator)
			start = i
			continue
		}
		i++
	}
	segs = append(segs, tag[start:])
	return segs
}

func joinTag(segs []string, separator string) string {
	out := ""
	for i, s := range segs {
		if i > 0 {
			out += separator
		}
		out += s
	}
	return out
}
