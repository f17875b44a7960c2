// Package domain holds the shared record types passed between storage,
// matching and the HTTP surface. Handlers accept raw form/JSON input at the
// edge and validate it into these records before passing it inward.
package domain

import "time"

// Reserved template tags that drive matcher and profile behaviour.
const (
	TemplatePost    = "post"
	TemplateProfile = "profile"
	TemplateQuery   = "query"
)

// ParentKind classifies a post's place in the parent hierarchy, replacing
// the original schema's parent_id = -1 sentinel with an explicit union.
type ParentKind int

const (
	// ParentKindRoot means the post has no parent (top-level post).
	ParentKindRoot ParentKind = iota
	// ParentKindChild means the post has a concrete parent post id.
	ParentKindChild
	// ParentKindProfile means the post IS a user's profile post.
	ParentKindProfile
)

// Post is a single user-authored document: a regular post, a profile post,
// or a standing-interest query, depending on Template.
type Post struct {
	ID              int64
	UserID          int64
	ParentKind      ParentKind
	ParentID        *int64 // set iff ParentKind == ParentKindChild
	Title           string
	Summary         string
	Body            string
	Template        string
	ImageURL        *string
	ClipOffsetX     float32
	ClipOffsetY     float32
	LocationTag     *string
	AIGenerated     bool
	CreatedAt       time.Time
	HasNewMatches   bool
	LastMatchAddedAt *time.Time
}

// IsQuery reports whether the post is a standing-interest query.
func (p Post) IsQuery() bool { return p.Template == TemplateQuery }

// IsProfile reports whether the post is a user's profile post.
func (p Post) IsProfile() bool { return p.Template == TemplateProfile }

// Text concatenates the post's searchable fields, used to build LLM prompts.
func (p Post) Text() string {
	return p.Title + " " + p.Summary + " " + p.Body
}

// User is an account in the social graph.
type User struct {
	ID                 int64
	Email              string
	Name               string
	DeviceIDs          []string
	ApnsDeviceToken    *string
	InvitedBy          *int64
	AncestorChain      []int64
	ProfileComplete    bool
	ProfileCompletedAt *time.Time
	LastActivity       time.Time
	InvitesRemaining   int
}

// MatchResult is a single (post, score) pair as returned to API clients,
// with the score normalised to [0,1].
type MatchResult struct {
	PostID         int64
	RelevanceScore float64
}

// Template describes a post template's placeholder copy, shown by clients
// when a field is still empty.
type Template struct {
	Name               string
	PlaceholderTitle   string
	PlaceholderSummary string
	PlaceholderBody    string
	PluralName         string
}
