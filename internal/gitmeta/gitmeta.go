// Package gitmeta reads repository metadata for session tags and uploads
// recent commit history in the background.
package gitmeta

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// Tag keys set on the session.
const (
	TagRepositoryURL = "git.repository_url"
	TagBranch        = "git.branch"
	TagCommitSHA     = "git.commit.sha"
	TagCommitMessage = "git.commit.message"
	TagAuthorName    = "git.commit.author.name"
	TagAuthorEmail   = "git.commit.author.email"
	TagAuthorDate    = "git.commit.author.date"
)

// ErrNotRepository is returned when no repository contains the path.
var ErrNotRepository = errors.New("not a git repository")

// Metadata describes the commit under test.
type Metadata struct {
	RepositoryURL string
	Branch        string
	CommitSHA     string
	CommitMessage string
	AuthorName    string
	AuthorEmail   string
	AuthorDate    time.Time
}

// Tags returns the metadata as span tags, omitting empty values.
func (m *Metadata) Tags() map[string]string {
	tags := make(map[string]string, 7)
	set := func(k, v string) {
		if v != "" {
			tags[k] = v
		}
	}
	set(TagRepositoryURL, m.RepositoryURL)
	set(TagBranch, m.Branch)
	set(TagCommitSHA, m.CommitSHA)
	set(TagCommitMessage, m.CommitMessage)
	set(TagAuthorName, m.AuthorName)
	set(TagAuthorEmail, m.AuthorEmail)
	if !m.AuthorDate.IsZero() {
		tags[TagAuthorDate] = m.AuthorDate.UTC().Format(time.RFC3339)
	}
	return tags
}

func open(path string) (*git.Repository, error) {
	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("%s: %w", path, ErrNotRepository)
	}
	if err != nil {
		return nil, fmt.Errorf("opening repository at %s: %w", path, err)
	}
	return repo, nil
}

// Collect reads metadata for the repository containing path. A detached
// HEAD leaves Branch empty; a missing origin leaves RepositoryURL empty.
func Collect(path string) (*Metadata, error) {
	repo, err := open(path)
	if err != nil {
		return nil, err
	}

	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}

	m := &Metadata{CommitSHA: head.Hash().String()}
	if head.Name().IsBranch() {
		m.Branch = head.Name().Short()
	}

	if commit, err := repo.CommitObject(head.Hash()); err == nil {
		m.CommitMessage = strings.TrimSpace(commit.Message)
		m.AuthorName = commit.Author.Name
		m.AuthorEmail = commit.Author.Email
		m.AuthorDate = commit.Author.When
	}

	if remote, err := repo.Remote("origin"); err == nil {
		if urls := remote.Config().URLs; len(urls) > 0 {
			m.RepositoryURL = StripCredentials(urls[0])
		}
	}
	return m, nil
}

// RecentCommits returns up to limit commit SHAs reachable from HEAD, newest
// first.
func RecentCommits(path string, limit int) ([]string, error) {
	repo, err := open(path)
	if err != nil {
		return nil, err
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolving HEAD: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	defer iter.Close()

	var shas []string
	err = iter.ForEach(func(c *object.Commit) error {
		if limit > 0 && len(shas) >= limit {
			return storer.ErrStop
		}
		shas = append(shas, c.Hash.String())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking log: %w", err)
	}
	return shas, nil
}

// StripCredentials removes userinfo from an http(s) remote URL. SCP-style
// remotes are returned unchanged.
func StripCredentials(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil || u.Scheme == "" {
		return raw
	}
	if u.Scheme == "ssh" {
		// ssh://git@host keeps the user; it carries no secret.
		if _, hasPassword := u.User.Password(); !hasPassword {
			return raw
		}
		u.User = url.User(u.User.Username())
		return u.String()
	}
	u.User = nil
	return u.String()
}
