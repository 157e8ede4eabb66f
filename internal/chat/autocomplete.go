package chat

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/huddlekit/huddle/internal/store"
	"github.com/huddlekit/huddle/internal/wire"
	"go.uber.org/zap"
)

// trailingMention matches an unterminated @token at the end of the compose
// buffer: an @ followed by word characters with no closing whitespace.
var trailingMention = regexp.MustCompile(`@(\w*)$`)

const searchTimeout = 5 * time.Second

// ComposerConfig describes the dependencies of a Composer.
type ComposerConfig struct {
	Directory store.Directory

	// Debounce is the quiet period after the last keystroke before the
	// mention token is dispatched to the directory.
	Debounce time.Duration
	// MinQuery is the minimum token length that triggers a search.
	MinQuery int

	// OnSuggestions receives the search results for the active token. An
	// empty slice clears the suggestion list.
	OnSuggestions func([]store.UserSummary)

	Logger *zap.Logger
}

// Composer tracks the chat compose buffer, drives debounced mention
// autocomplete, and accumulates the mention candidate set for the compose
// session.
type Composer struct {
	directory store.Directory
	debounce  time.Duration
	minQuery  int
	onSuggest func([]store.UserSummary)
	logger    *zap.Logger

	candidates *Candidates

	mu         sync.Mutex
	text       string
	tokenStart int // byte offset of the active '@', -1 when none
	timer      *time.Timer
	generation int64
	closed     bool
}

// NewComposer constructs an empty composer.
func NewComposer(cfg ComposerConfig) *Composer {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	minQuery := cfg.MinQuery
	if minQuery < 1 {
		minQuery = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{
		directory:  cfg.Directory,
		debounce:   debounce,
		minQuery:   minQuery,
		onSuggest:  cfg.OnSuggestions,
		logger:     logger,
		candidates: NewCandidates(),
		tokenStart: -1,
	}
}

// Candidates exposes the compose session's mention candidate set.
func (c *Composer) Candidates() *Candidates {
	return c.candidates
}

// Text returns the current compose buffer.
func (c *Composer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text
}

// SetText replaces the compose buffer, inspects it for a trailing
// unterminated @token, and (re)starts the autocomplete debounce when one is
// present.
func (c *Composer) SetText(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.text = text

	match := trailingMention.FindStringSubmatchIndex(text)
	if match == nil {
		c.tokenStart = -1
		c.stopTimerLocked()
		c.suggest(nil)
		return
	}

	c.tokenStart = match[0]
	token := text[match[2]:match[3]]
	c.restartTimerLocked(token)
}

// ApplySuggestion rewrites the compose buffer so the active mention token
// becomes the selected username, preserving any text after the token and
// ensuring exactly one separating space. The selection joins the candidate
// set, so the finished message parses it as a mention.
func (c *Composer) ApplySuggestion(user store.UserSummary) string {
	c.candidates.Add(wire.MentionedUser{ID: user.ID, UserName: user.UserName})

	c.mu.Lock()
	defer c.mu.Unlock()

	start := c.tokenStart
	if start < 0 || start >= len(c.text) {
		return c.text
	}

	rest := c.text[start:]
	tokenLen := 1
	for tokenLen < len(rest) && isWordByte(rest[tokenLen]) {
		tokenLen++
	}
	suffix := strings.TrimLeft(c.text[start+tokenLen:], " ")

	c.text = c.text[:start] + "@" + user.UserName + " " + suffix
	c.tokenStart = -1
	c.stopTimerLocked()
	c.suggest(nil)
	return c.text
}

// Reset clears the buffer after a message is sent. The candidate set is
// kept: confirmed mentions remain matchable for the rest of the session.
func (c *Composer) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.text = ""
	c.tokenStart = -1
	c.stopTimerLocked()
}

// Close stops the debounce timer.
func (c *Composer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stopTimerLocked()
}

func (c *Composer) restartTimerLocked(token string) {
	c.stopTimerLocked()
	c.generation++
	generation := c.generation
	c.timer = time.AfterFunc(c.debounce, func() {
		c.search(generation, token)
	})
}

func (c *Composer) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Composer) search(generation int64, token string) {
	if len(token) < c.minQuery || c.directory == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if generation == c.generation {
			c.suggest(nil)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), searchTimeout)
	defer cancel()

	results, err := c.directory.SearchUsers(ctx, token)
	if err != nil {
		c.logger.Warn("mention search failed", zap.String("token", token), zap.Error(err))
		return
	}

	mentionable := make([]wire.MentionedUser, 0, len(results))
	for _, result := range results {
		mentionable = append(mentionable, wire.MentionedUser{ID: result.ID, UserName: result.UserName})
	}
	c.candidates.Add(mentionable...)

	c.mu.Lock()
	defer c.mu.Unlock()
	// Results from a superseded keystroke are discarded.
	if generation != c.generation {
		return
	}
	c.suggest(results)
}

// suggest invokes the suggestion callback outside of any ordering guarantee;
// callers hold c.mu, and the callback must not call back into the composer.
func (c *Composer) suggest(results []store.UserSummary) {
	if c.onSuggest == nil {
		return
	}
	if results == nil {
		results = []store.UserSummary{}
	}
	c.onSuggest(results)
}

func isWordByte(b byte) bool {
	return b == '_' ||
		(b >= '0' && b <= '9') ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z')
}
