// Package syncengine implements the Sync Engine (§4.6): the single
// state machine that drives one run, from acquiring the lock through
// saving the checkpoint.
package syncengine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"git.sr.ht/~rockorager/go-jmap"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
	"golang.org/x/term"

	"jmapsync/internal/cache"
	"jmapsync/internal/config"
	jmapmodel "jmapsync/internal/jmap"
	"jmapsync/internal/localindex"
	"jmapsync/internal/mailboxmap"
	"jmapsync/internal/model"
	"jmapsync/internal/remote"
	"jmapsync/internal/state"
)

// FatalError marks a condition §7 designates as always fatal, as
// opposed to the two conditions (CannotCalculateChanges, an unknown
// updated id) the engine demotes to a full sync instead of aborting.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string { return e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

func fatalf(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// Engine owns one run's configuration; it holds no state between runs.
type Engine struct {
	cfg    *config.Config
	dirs   config.Dirs
	log    zerolog.Logger
	dryRun bool
}

// New constructs an Engine for one invocation of the sync subcommand.
func New(cfg *config.Config, dirs config.Dirs, log zerolog.Logger, dryRun bool) *Engine {
	return &Engine{cfg: cfg, dirs: dirs, log: log, dryRun: dryRun}
}

// Run executes the full state machine described in §4.6.
func (e *Engine) Run(ctx context.Context) error {
	lockPath := state.LockPath(e.dirs.State)
	lock, err := state.AcquireLock(lockPath, func() {
		e.log.Warn().Str("path", lockPath).Msg("waiting for lock held by another run")
	})
	if err != nil {
		return fmt.Errorf("could not acquire lock: %w", err)
	}
	defer lock.Release()

	checkpointPath := state.CheckpointPath(e.dirs.State)
	checkpoint, found := state.LoadCheckpoint(checkpointPath)
	if !found {
		if _, statErr := os.Stat(checkpointPath); statErr == nil {
			e.log.Warn().Str("path", checkpointPath).Msg("could not read checkpoint, starting from scratch")
		} else {
			e.log.Debug().Msg("no checkpoint found, starting from scratch")
		}
	}

	dbPath := filepath.Join(e.dirs.State, "jmapsync-index.sqlite3")
	idx, err := localindex.Open(dbPath, e.dirs.Mail, e.dryRun)
	if err != nil {
		return fmt.Errorf("could not open local index: %w", err)
	}
	defer idx.Close()

	cch, err := cache.Open(e.cfg.CacheDir, e.dirs.Mail)
	if err != nil {
		return fmt.Errorf("could not open cache: %w", err)
	}

	password, err := e.cfg.Password()
	if err != nil {
		return err
	}
	timeout := time.Duration(e.cfg.Timeout) * time.Second
	sess, err := remote.OpenSession(ctx, e.cfg, password, timeout)
	if err != nil {
		return err
	}
	client := remote.New(sess, e.log)

	mailboxes, err := client.FetchMailboxes(ctx)
	if err != nil {
		return fmt.Errorf("could not fetch mailboxes: %w", err)
	}
	set, err := mailboxmap.Build(mailboxes, e.cfg.Tags)
	if err != nil {
		return fatalf("could not build mailbox map: %w", err)
	}

	localAll, err := idx.AllManaged()
	if err != nil {
		return fmt.Errorf("could not query local index: %w", err)
	}
	localById := groupById(localAll)
	var localIds []model.Id
	for id := range localById {
		localIds = append(localIds, id)
	}

	newState, updatedIds, destroyedIds, err := e.resolveChangeSet(ctx, client, checkpoint, localIds)
	if err != nil {
		return err
	}
	destroyedSet := make(map[model.Id]bool, len(destroyedIds))
	for _, id := range destroyedIds {
		destroyedSet[id] = true
	}

	_, localModifiedById, err := e.resolveLocalModifiedSince(idx, checkpoint, destroyedSet)
	if err != nil {
		return err
	}

	fetchIds := unionIds(updatedIds, keysOf(localModifiedById))
	remoteEmails, err := client.FetchProperties(ctx, fetchIds)
	if err != nil {
		return fmt.Errorf("could not fetch email properties: %w", err)
	}

	newEmails := e.planNewEmails(remoteEmails, localById, idx, cch)

	if e.dryRun {
		e.log.Info().
			Int("to_download", len(newEmails)).
			Int("to_remove", len(destroyedIds)).
			Int("locally_modified", len(localModifiedById)).
			Msg("dry run: no changes made")
		return nil
	}

	if err := e.fillCache(ctx, client, cch, newEmails); err != nil {
		return err
	}
	if err := e.linkStage(newEmails); err != nil {
		return err
	}

	destroyedLocal, err := e.commitAtomic(idx, newEmails, remoteEmails, localById, localModifiedById, set, destroyedIds)
	if err != nil {
		// Roll back the symlinks created in LinkStage; the index
		// transaction already rolled itself back on error.
		for _, ne := range newEmails {
			os.Remove(ne.MaildirPath)
		}
		return err
	}

	for _, ne := range newEmails {
		if err := os.Rename(ne.CachePath, ne.MaildirPath); err != nil {
			return fmt.Errorf("could not move %q into place: %w", ne.MaildirPath, err)
		}
	}
	for _, le := range destroyedLocal {
		if err := os.Remove(le.Path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("could not remove %q: %w", le.Path, err)
		}
	}

	if err := e.ensureMailboxes(ctx, client, idx, set); err != nil {
		return err
	}

	if err := e.pushPatches(ctx, client, localModifiedById, remoteEmails, set); err != nil {
		return err
	}

	rev, err := idx.Revision()
	if err != nil {
		return fmt.Errorf("could not read final revision: %w", err)
	}
	nextRev := rev + 1
	if err := state.SaveCheckpoint(checkpointPath, model.Checkpoint{
		JmapState:     &newState,
		LocalRevision: &nextRev,
	}); err != nil {
		return fmt.Errorf("could not save checkpoint: %w", err)
	}

	return nil
}

// resolveChangeSet implements DeltaPath vs FullPath.
func (e *Engine) resolveChangeSet(ctx context.Context, client *remote.Client, checkpoint model.Checkpoint, localIds []model.Id) (model.State, []model.Id, []model.Id, error) {
	if checkpoint.JmapState != nil {
		result, err := client.Changes(ctx, *checkpoint.JmapState)
		var methodErr *jmapmodel.MethodError
		switch {
		case err != nil && errors.As(err, &methodErr) && methodErr.IsCannotCalculateChanges():
			e.log.Warn().Msg("server cannot calculate changes, falling back to a full sync")
		case err != nil:
			return "", nil, nil, fmt.Errorf("could not fetch changes: %w", err)
		default:
			localSet := make(map[model.Id]bool, len(localIds))
			for _, id := range localIds {
				localSet[id] = true
			}
			diverged := false
			for _, id := range result.Updated {
				if !localSet[id] {
					diverged = true
					break
				}
			}
			if diverged {
				e.log.Warn().Msg("server reported an update for an id absent locally, falling back to a full sync")
			} else {
				updated := append(append([]model.Id{}, result.Created...), result.Updated...)
				return result.NewState, updated, result.Destroyed, nil
			}
		}
	}

	newState, remoteIds, err := client.ListAllEmailIds(ctx)
	if err != nil {
		return "", nil, nil, fmt.Errorf("could not list emails: %w", err)
	}
	remoteSet := make(map[model.Id]bool, len(remoteIds))
	for _, id := range remoteIds {
		remoteSet[id] = true
	}
	var destroyed []model.Id
	for _, id := range localIds {
		if !remoteSet[id] {
			destroyed = append(destroyed, id)
		}
	}
	return newState, remoteIds, destroyed, nil
}

// resolveLocalModifiedSince implements the "Updated-locally filter" and
// the missing-notmuch_revision resolution.
func (e *Engine) resolveLocalModifiedSince(idx *localindex.Index, checkpoint model.Checkpoint, destroyedSet map[model.Id]bool) (uint64, map[model.Id][]*model.LocalEmail, error) {
	if checkpoint.LocalRevision == nil {
		rev, err := idx.Revision()
		if err != nil {
			return 0, nil, fmt.Errorf("could not read local revision: %w", err)
		}
		if rev == 0 {
			return 0, map[model.Id][]*model.LocalEmail{}, nil
		}
		if !term.IsTerminal(int(os.Stdin.Fd())) {
			return 0, nil, fatalf("checkpoint is missing notmuch_revision and the local index is non-empty; refusing to guess which local edits are unsynced")
		}
		if !e.confirmDiscardLocalHistory() {
			return 0, nil, fatalf("aborted: could not determine local edits since the last sync")
		}
		return rev, map[model.Id][]*model.LocalEmail{}, nil
	}

	modified, err := idx.ModifiedSince(*checkpoint.LocalRevision)
	if err != nil {
		return 0, nil, fmt.Errorf("could not query locally modified emails: %w", err)
	}
	byId := make(map[model.Id][]*model.LocalEmail)
	for _, le := range modified {
		if destroyedSet[le.Id] {
			continue
		}
		byId[le.Id] = append(byId[le.Id], le)
	}
	return *checkpoint.LocalRevision, byId, nil
}

func (e *Engine) confirmDiscardLocalHistory() bool {
	fmt.Fprint(os.Stderr, "the last sync's local-edit baseline is unknown; continuing will treat all local state as already synced, discarding conflict detection for this run. Continue? [y/N] ")
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// planNewEmails computes FillCache's newEmails set and resolves each
// one's cache/maildir path, without touching the network yet.
func (e *Engine) planNewEmails(remoteEmails map[model.Id]*model.RemoteEmail, localById map[model.Id][]*model.LocalEmail, idx *localindex.Index, cch *cache.Cache) []*model.NewEmail {
	var out []*model.NewEmail
	for id, re := range remoteEmails {
		existing := representative(localById[id])
		if existing != nil && existing.BlobId == re.BlobId {
			continue
		}
		ne := &model.NewEmail{Remote: re}
		if p, ok := cch.Lookup(re.Id, re.BlobId); ok {
			ne.CachePath = p
		}
		ne.MaildirPath = filepath.Join(idx.CurDir(), fmt.Sprintf("%s.%s", re.Id, re.BlobId))
		out = append(out, ne)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Remote.Id < out[j].Remote.Id })
	return out
}

func representative(dups []*model.LocalEmail) *model.LocalEmail {
	if len(dups) == 0 {
		return nil
	}
	return dups[0]
}

// fillCache downloads every newEmail whose cache path isn't already
// staged, using a bounded worker pool.
func (e *Engine) fillCache(ctx context.Context, client *remote.Client, cch *cache.Cache, newEmails []*model.NewEmail) error {
	var toDownload []*model.NewEmail
	for _, ne := range newEmails {
		if ne.CachePath == "" {
			toDownload = append(toDownload, ne)
		}
	}
	if len(toDownload) == 0 {
		return nil
	}

	concurrency := int64(e.cfg.ConcurrentDownloads)
	if concurrency < 1 {
		concurrency = 1
	}
	sem := semaphore.NewWeighted(concurrency)

	errCh := make(chan error, len(toDownload))
	slots := make(chan int, concurrency)
	for i := 0; i < int(concurrency); i++ {
		slots <- i
	}

	for _, ne := range toDownload {
		ne := ne
		if err := sem.Acquire(ctx, 1); err != nil {
			errCh <- err
			continue
		}
		go func() {
			defer sem.Release(1)
			workerIndex := <-slots
			defer func() { slots <- workerIndex }()

			path, err := e.downloadWithRetry(ctx, client, cch, workerIndex, ne.Remote.Id, ne.Remote.BlobId)
			if err != nil {
				errCh <- fmt.Errorf("could not download %s: %w", ne.Remote.Id, err)
				return
			}
			ne.CachePath = path
			errCh <- nil
		}()
	}

	if err := sem.Acquire(ctx, concurrency); err != nil {
		return err
	}
	sem.Release(concurrency)
	close(errCh)

	var errs []error
	for err := range errCh {
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func (e *Engine) downloadWithRetry(ctx context.Context, client *remote.Client, cch *cache.Cache, workerIndex int, id, blobId model.Id) (string, error) {
	maxAttempts := int(e.cfg.Retries)
	unbounded := maxAttempts == 0
	for attempt := 1; unbounded || attempt <= maxAttempts; attempt++ {
		body, err := client.DownloadBlob(ctx, blobId)
		if err == nil {
			path, serr := cch.Store(workerIndex, id, blobId, body, e.cfg.ConvertDosToUnix)
			body.Close()
			if serr == nil {
				return path, nil
			}
			err = serr
		}
		if !unbounded && attempt == maxAttempts {
			return "", err
		}
		e.log.Warn().Err(err).Str("id", string(id)).Int("attempt", attempt).Msg("blob download failed, retrying")
	}
	return "", fmt.Errorf("exhausted retries")
}

// linkStage creates a staging symlink for every newEmail, removing a
// leftover unindexed symlink from a crashed prior run first (§4.6, S6).
func (e *Engine) linkStage(newEmails []*model.NewEmail) error {
	for _, ne := range newEmails {
		if _, err := os.Lstat(ne.MaildirPath); err == nil {
			e.log.Warn().Str("path", ne.MaildirPath).Msg("removing leftover unindexed symlink from a prior run")
			if err := os.Remove(ne.MaildirPath); err != nil {
				return fmt.Errorf("could not remove leftover symlink %q: %w", ne.MaildirPath, err)
			}
		}
		if err := os.Symlink(ne.CachePath, ne.MaildirPath); err != nil {
			return fmt.Errorf("could not stage %q: %w", ne.MaildirPath, err)
		}
	}
	return nil
}

// commitAtomic implements the §4.6 CommitAtomic step.
func (e *Engine) commitAtomic(
	idx *localindex.Index,
	newEmails []*model.NewEmail,
	remoteEmails map[model.Id]*model.RemoteEmail,
	localById map[model.Id][]*model.LocalEmail,
	localModifiedById map[model.Id][]*model.LocalEmail,
	set *model.MailboxSet,
	destroyedIds []model.Id,
) ([]*model.LocalEmail, error) {
	tx, err := idx.Begin()
	if err != nil {
		return nil, fmt.Errorf("could not begin atomic scope: %w", err)
	}

	var destroyedLocal []*model.LocalEmail
	newById := make(map[model.Id]*model.LocalEmail, len(newEmails))

	for _, ne := range newEmails {
		le, err := tx.IndexFile(idx, ne.MaildirPath)
		if err != nil {
			tx.Rollback()
			return nil, &FatalError{Err: fmt.Errorf("could not index %q: %w", ne.MaildirPath, err)}
		}
		newById[le.Id] = le
		if old := representative(localById[le.Id]); old != nil && old.BlobId != le.BlobId {
			destroyedLocal = append(destroyedLocal, old)
			if err := tx.RemoveFile(idx, old); err != nil {
				tx.Rollback()
				return nil, &FatalError{Err: fmt.Errorf("could not remove superseded %q: %w", old.Path, err)}
			}
		}
	}

	for id, re := range remoteEmails {
		if _, locallyModified := localModifiedById[id]; locallyModified {
			continue
		}
		desired := mailboxmap.DesiredTags(re, set, e.cfg.Tags)

		targets := localById[id]
		if le, ok := newById[id]; ok {
			targets = []*model.LocalEmail{le}
		}
		for _, le := range targets {
			if _, _, err := tx.UpdateTags(idx, le, desired); err != nil {
				tx.Rollback()
				return nil, &FatalError{Err: fmt.Errorf("could not update tags for %q: %w", le.Path, err)}
			}
		}
	}

	for _, id := range destroyedIds {
		for _, le := range localById[id] {
			destroyedLocal = append(destroyedLocal, le)
			if err := tx.RemoveFile(idx, le); err != nil {
				tx.Rollback()
				return nil, &FatalError{Err: fmt.Errorf("could not remove %q: %w", le.Path, err)}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, &FatalError{Err: fmt.Errorf("could not commit atomic scope: %w", err)}
	}
	return destroyedLocal, nil
}

// ensureMailboxes implements §4.6 EnsureMailboxes.
func (e *Engine) ensureMailboxes(ctx context.Context, client *remote.Client, idx *localindex.Index, set *model.MailboxSet) error {
	allTags, err := idx.AllTags()
	if err != nil {
		return fmt.Errorf("could not enumerate local tags: %w", err)
	}
	keywordMapped := mailboxmap.KeywordMappedTags(e.cfg.Tags)

	var missing []string
	for _, tag := range allTags {
		if model.ReservedTags[tag] || keywordMapped[tag] {
			continue
		}
		if _, ok := set.IdsByTag[tag]; ok {
			continue
		}
		missing = append(missing, tag)
	}
	if len(missing) == 0 {
		return nil
	}

	sort.Slice(missing, func(i, j int) bool { return len(missing[i]) < len(missing[j]) })

	if !e.cfg.AutoCreateNewMailboxes {
		return fatalf("mailboxes missing for tags and auto_create_new_mailboxes is disabled: %s", strings.Join(missing, ", "))
	}

	created, err := client.CreateMailboxes(ctx, missing, e.cfg.Tags.DirectorySeparator)
	if err != nil {
		return fmt.Errorf("could not create mailboxes: %w", err)
	}
	for tag, id := range created {
		set.IdsByTag[tag] = id
		set.MailboxesById[id] = model.MailboxTag{Id: id, Tag: tag}
	}
	return nil
}

// pushPatches implements §4.6 PushPatches.
func (e *Engine) pushPatches(ctx context.Context, client *remote.Client, localModifiedById map[model.Id][]*model.LocalEmail, remoteEmails map[model.Id]*model.RemoteEmail, set *model.MailboxSet) error {
	if len(localModifiedById) == 0 {
		return nil
	}

	patches := make(map[model.Id]jmap.Patch, len(localModifiedById))
	for id, dups := range localModifiedById {
		le := representative(dups)
		re, ok := remoteEmails[id]
		if !ok {
			continue
		}
		patch := mailboxmap.BuildPatch(le.Tags, re.MailboxIds, set, e.cfg.Tags)
		patches[id] = toWirePatch(patch)
	}
	if len(patches) == 0 {
		return nil
	}
	return client.PushPatches(ctx, patches)
}

func toWirePatch(p mailboxmap.EmailPatch) jmap.Patch {
	out := jmap.Patch{}
	for kw, val := range p.KeywordSet {
		if val {
			out["keywords/"+kw] = true
		} else {
			out["keywords/"+kw] = nil
		}
	}
	ids := make(map[string]bool, len(p.MailboxIds))
	for id := range p.MailboxIds {
		ids[string(id)] = true
	}
	out["mailboxIds"] = ids
	return out
}

func groupById(emails []*model.LocalEmail) map[model.Id][]*model.LocalEmail {
	out := make(map[model.Id][]*model.LocalEmail, len(emails))
	for _, le := range emails {
		out[le.Id] = append(out[le.Id], le)
	}
	return out
}

func unionIds(a []model.Id, b []model.Id) []model.Id {
	seen := make(map[model.Id]bool, len(a)+len(b))
	var out []model.Id
	for _, id := range a {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range b {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

func keysOf(m map[model.Id][]*model.LocalEmail) []model.Id {
	out := make([]model.Id, 0, len(m))
	for id := range m {
		out = append(out, id)
	}
	return out
}
