// Package sendmail implements the optional Send Path (§6): parsing an
// outgoing RFC 5322 message, picking the identity to send it as,
// uploading and submitting it, and mirroring sendmail's "-t" and
// compatibility flag surface so jmapsync can act as a drop-in MTA for
// software that shells out to sendmail.
package sendmail

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"git.sr.ht/~rockorager/go-jmap"
	"git.sr.ht/~rockorager/go-jmap/mail/emailsubmission"
	"git.sr.ht/~rockorager/go-jmap/mail/identity"
	emessage "github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	emmail "github.com/emersion/go-message/mail"

	"jmapsync/internal/model"
	"jmapsync/internal/remote"
)

// Options mirrors the send subcommand's flags (§6): -t reads
// recipients from the message headers instead of the argument list;
// the sendmail-compat flags are accepted and ignored, matching what a
// mail submission agent invokes jmapsync as if it were /usr/sbin/sendmail.
type Options struct {
	ReadRecipientsFromHeaders bool // -t
	Recipients                []string
}

// Send parses raw (a complete RFC 5322 message) and submits it.
func Send(ctx context.Context, client *remote.Client, raw io.Reader, opts Options) error {
	data, err := io.ReadAll(raw)
	if err != nil {
		return fmt.Errorf("could not read message: %w", err)
	}

	entity, err := emessage.Read(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("could not parse message: %w", err)
	}

	header := emmail.Header{Header: entity.Header}
	fromAddrs, err := header.AddressList("From")
	if err != nil || len(fromAddrs) == 0 {
		return fmt.Errorf("could not parse From header: %w", err)
	}
	fromAddr := fromAddrs[0]

	recipients := opts.Recipients
	if opts.ReadRecipientsFromHeaders {
		recipients, err = recipientsFromHeaders(header)
		if err != nil {
			return err
		}
	}
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients given: pass addresses, or -t to read them from the message")
	}

	identities, err := client.FetchIdentities(ctx)
	if err != nil {
		return fmt.Errorf("could not fetch identities: %w", err)
	}
	ident := pickIdentity(identities, fromAddr.Address)
	if ident == nil {
		return fmt.Errorf("no identity configured for From address %q", fromAddr.Address)
	}

	blobID, err := client.UploadBlob(ctx, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("could not upload message: %w", err)
	}

	envelope := &emailsubmission.Envelope{
		MailFrom: &emailsubmission.Address{Email: ident.Email},
	}
	for _, r := range recipients {
		envelope.RcptTo = append(envelope.RcptTo, &emailsubmission.Address{Email: r})
	}

	mailboxIds := map[jmap.ID]bool{}
	keywords := map[string]bool{string(model.KeywordDraft): true, string(model.KeywordSeen): true}

	if err := client.SubmitEmail(ctx, blobID, mailboxIds, keywords, envelope); err != nil {
		return fmt.Errorf("could not submit message: %w", err)
	}
	return nil
}

func pickIdentity(identities []*identity.Identity, email string) *identity.Identity {
	for _, id := range identities {
		if id.Email == email {
			return id
		}
	}
	return nil
}

// recipientsFromHeaders implements "-t": collect every address in
// To/Cc/Bcc, as sendmail does.
func recipientsFromHeaders(h emmail.Header) ([]string, error) {
	var out []string
	for _, field := range []string{"To", "Cc", "Bcc"} {
		if h.Get(field) == "" {
			continue
		}
		addrs, err := h.AddressList(field)
		if err != nil {
			return nil, fmt.Errorf("could not parse %s header: %w", field, err)
		}
		for _, a := range addrs {
			out = append(out, a.Address)
		}
	}
	return out, nil
}

// ParseCompatFlags strips the sendmail-compatibility flags a caller
// invoking jmapsync as /usr/sbin/sendmail may pass (-oi, -i, -f
// <NAME>, -F <FULLNAME>), returning the remaining arguments (-t and
// positional recipients) untouched.
func ParseCompatFlags(args []string) (remaining []string, err error) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-oi", "-i":
			continue
		case "-f", "-F":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("%s requires an argument", args[i])
			}
			i++
			continue
		default:
			remaining = append(remaining, args[i])
		}
	}
	return remaining, nil
}
