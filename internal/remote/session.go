package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	gojmap "git.sr.ht/~rockorager/go-jmap"

	"jmapsync/internal/config"
)

// basicAuthTransport attaches HTTP Basic authentication to every
// request, used only when the server's session endpoint answered 401
// to an unauthenticated probe.
type basicAuthTransport struct {
	username, password string
	base                http.RoundTripper
}

func (t *basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.username, t.password)
	return t.base.RoundTrip(req)
}

// candidateURLs returns the session URLs to try, in order. With
// session_url configured, there is exactly one. With fqdn, it resolves
// the _jmap._tcp SRV record and returns one well-known URL per target,
// sorted ascending by priority as RFC 2782 requires.
func candidateURLs(ctx context.Context, cfg *config.Config) ([]string, error) {
	if cfg.SessionUrl != "" {
		return []string{cfg.SessionUrl}, nil
	}

	_, srvs, err := net.DefaultResolver.LookupSRV(ctx, "jmap", "tcp", cfg.Fqdn)
	if err != nil {
		return nil, fmt.Errorf("SRV lookup for _jmap._tcp.%s failed: %w", cfg.Fqdn, err)
	}
	if len(srvs) == 0 {
		return nil, fmt.Errorf("no _jmap._tcp SRV records found for %s", cfg.Fqdn)
	}

	sort.Slice(srvs, func(i, j int) bool { return srvs[i].Priority < srvs[j].Priority })

	urls := make([]string, 0, len(srvs))
	for _, s := range srvs {
		target := strings.TrimSuffix(s.Target, ".")
		urls = append(urls, fmt.Sprintf("https://%s:%d/.well-known/jmap", target, s.Port))
	}
	return urls, nil
}

// probe issues an unauthenticated GET to determine whether the
// candidate requires Basic auth at all.
func probe(ctx context.Context, httpClient *http.Client, url string) (needsAuth bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return false, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return true, nil
	default:
		return false, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
}

// Session is an authenticated JMAP session ready to issue requests.
type Session struct {
	Client   *gojmap.Client
	Session  *gojmap.Session
	FinalURL string
}

// OpenSession performs service discovery (if configured), authentication
// discovery, and fetches the session object. Every SRV candidate's
// failure is accumulated; if all candidates fail, the joined chain of
// errors is returned with the last one at the end.
func OpenSession(ctx context.Context, cfg *config.Config, password string, timeout time.Duration) (*Session, error) {
	urls, err := candidateURLs(ctx, cfg)
	if err != nil {
		return nil, err
	}

	probeClient := &http.Client{Timeout: timeout}

	var errs []error
	for _, url := range urls {
		needsAuth, perr := probe(ctx, probeClient, url)
		if perr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", url, perr))
			continue
		}

		httpClient := &http.Client{Timeout: timeout}
		if needsAuth {
			httpClient.Transport = &basicAuthTransport{
				username: cfg.AuthUsername(),
				password: password,
				base:     http.DefaultTransport,
			}
		}

		client := &gojmap.Client{
			SessionEndpoint: url,
			HttpClient:      httpClient,
		}
		if aerr := client.Authenticate(); aerr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", url, aerr))
			continue
		}

		return &Session{Client: client, Session: client.Session, FinalURL: url}, nil
	}

	return nil, fmt.Errorf("could not open a JMAP session against any candidate: %w", errors.Join(errs...))
}

// Refresh re-fetches the session object, used when a response's
// sessionState no longer matches the cached one.
func (s *Session) Refresh() error {
	if err := s.Client.Authenticate(); err != nil {
		return fmt.Errorf("could not refresh session: %w", err)
	}
	s.Session = s.Client.Session
	return nil
}

// PrimaryAccountId returns the primary mail account id for this
// session.
func (s *Session) PrimaryAccountId() gojmap.ID {
	if s.Session == nil {
		return ""
	}
	const mailURI = "urn:ietf:params:jmap:mail"
	return s.Session.PrimaryAccounts[mailURI]
}
