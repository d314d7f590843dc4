package store

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/imeyer/cooked/pkg/textfmt"
)

// Revision is one recorded PostRevisor call.
type Revision struct {
	PostID int64
	Raw    string
	Opts   RevisionOptions
}

// Grant is one recorded badge grant.
type Grant struct {
	Badge  BadgeType
	UserID int64
	PostID int64
}

// Memory is an in-process implementation of every collaborator the render
// pipeline uses. It backs the command line tool and tests.
type Memory struct {
	mu sync.RWMutex

	BasePath string

	uploads    map[int64]*Upload
	optimized  map[int64][]OptimizedImage
	posts      map[int64]*Post
	topics     map[int64]*Topic
	users      map[string]*User
	groups     map[string]*Group
	categories map[string]*Category
	tags       map[string]*Tag
	hotlinked  map[string]*HotlinkedMedia
	oneboxes   map[string]string

	// visible holds the entities each user may see beyond the public ones.
	visible map[int64]map[Entity]bool

	disabledBadges map[BadgeType]bool
	grants         map[Grant]bool
	revisions      []Revision
	postImages     map[int64]int64
	topicImages    map[int64]int64
	nextID         int64
}

func NewMemory() *Memory {
	return &Memory{
		uploads:        make(map[int64]*Upload),
		optimized:      make(map[int64][]OptimizedImage),
		posts:          make(map[int64]*Post),
		topics:         make(map[int64]*Topic),
		users:          make(map[string]*User),
		groups:         make(map[string]*Group),
		categories:     make(map[string]*Category),
		tags:           make(map[string]*Tag),
		hotlinked:      make(map[string]*HotlinkedMedia),
		oneboxes:       make(map[string]string),
		visible:        make(map[int64]map[Entity]bool),
		disabledBadges: make(map[BadgeType]bool),
		grants:         make(map[Grant]bool),
		postImages:     make(map[int64]int64),
		topicImages:    make(map[int64]int64),
		nextID:         1000,
	}
}

func (m *Memory) AddUpload(u *Upload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploads[u.ID] = u
}

func (m *Memory) AddOptimizedImage(oi OptimizedImage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.optimized[oi.UploadID] = append(m.optimized[oi.UploadID], oi)
}

// RecordOptimizedImage stores oi and assigns it an ID.
func (m *Memory) RecordOptimizedImage(_ context.Context, oi *OptimizedImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	oi.ID = m.nextID
	m.optimized[oi.UploadID] = append(m.optimized[oi.UploadID], *oi)
	return nil
}

func (m *Memory) AddPost(p *Post) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.posts[p.ID] = p
}

func (m *Memory) AddTopic(t *Topic) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics[t.ID] = t
}

func (m *Memory) AddUser(u *User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[strings.ToLower(u.Username)] = u
}

func (m *Memory) AddGroup(g *Group) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[strings.ToLower(g.Name)] = g
}

func (m *Memory) AddCategory(c *Category) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.categories[strings.ToLower(c.Slug)] = c
}

func (m *Memory) AddTag(t *Tag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags[strings.ToLower(t.Name)] = t
}

// AddHotlinked records media keyed by its scheme-less URL.
func (m *Memory) AddHotlinked(postID int64, h *HotlinkedMedia) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hotlinked[hotlinkKey(postID, h.URL)] = h
}

func (m *Memory) AddOnebox(url, preview string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.oneboxes[url] = preview
}

// Allow lets userID see e.
func (m *Memory) Allow(userID int64, e Entity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.visible[userID] == nil {
		m.visible[userID] = make(map[Entity]bool)
	}
	m.visible[userID][e] = true
}

func (m *Memory) DisableBadge(b BadgeType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disabledBadges[b] = true
}

func (m *Memory) Get(_ context.Context, identifier string) (*Upload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.uploads {
		if u.URL == identifier || strings.TrimPrefix(u.URL, "https:") == strings.TrimPrefix(identifier, "https:") {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) FindBySHA1OrShortURL(_ context.Context, token string) (*Upload, error) {
	sha := token
	if strings.HasPrefix(token, "upload://") {
		var err error
		if sha, err = SHA1FromShortURL(token); err != nil {
			return nil, err
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.uploads {
		if u.SHA1 == sha {
			return u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) OptimizedImages(_ context.Context, uploadID int64) ([]OptimizedImage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]OptimizedImage, len(m.optimized[uploadID]))
	copy(out, m.optimized[uploadID])
	return out, nil
}

// Create records an optimized image without touching any files.
func (m *Memory) Create(_ context.Context, upload *Upload, width, height int, _ bool) (*OptimizedImage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, oi := range m.optimized[upload.ID] {
		if oi.Width == width && oi.Height == height {
			return &oi, nil
		}
	}
	m.nextID++
	oi := OptimizedImage{
		ID:        m.nextID,
		UploadID:  upload.ID,
		URL:       fmt.Sprintf("/uploads/optimized/%s_%dx%d.%s", upload.SHA1, width, height, upload.Extension),
		Width:     width,
		Height:    height,
		Extension: upload.Extension,
	}
	m.optimized[upload.ID] = append(m.optimized[upload.ID], oi)
	return &oi, nil
}

func (m *Memory) FindByTopicAndNumber(_ context.Context, topicID int64, postNumber int) (*Post, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, p := range m.posts {
		if p.TopicID == topicID && p.PostNumber == postNumber {
			return p, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) Topic(_ context.Context, topicID int64) (*Topic, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if t, ok := m.topics[topicID]; ok {
		return t, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) FindByUsername(_ context.Context, username string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if u, ok := m.users[strings.ToLower(username)]; ok {
		return u, nil
	}
	return nil, ErrNotFound
}

func (m *Memory) userByID(id int64) *User {
	for _, u := range m.users {
		if u.ID == id {
			return u
		}
	}
	return nil
}

// CanSee treats categories without ReadRestricted, and topics in them, as
// public. Staff see everything.
func (m *Memory) CanSee(_ context.Context, userID int64, e Entity) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if u := m.userByID(userID); u != nil && u.Staff {
		return true
	}
	if m.visible[userID][e] {
		return true
	}

	switch e.Kind {
	case EntityCategory:
		for _, c := range m.categories {
			if c.ID == e.ID {
				return !c.ReadRestricted
			}
		}
		return false
	case EntityTopic:
		return m.topicVisible(userID, e.ID)
	case EntityPost:
		p, ok := m.posts[e.ID]
		if !ok || p.Hidden || p.Deleted {
			return false
		}
		return m.topicVisible(userID, p.TopicID)
	}
	return false
}

func (m *Memory) topicVisible(userID, topicID int64) bool {
	t, ok := m.topics[topicID]
	if !ok {
		return topicID == 0
	}
	for _, c := range m.categories {
		if c.ID == t.CategoryID {
			return !c.ReadRestricted || m.visible[userID][Entity{Kind: EntityCategory, ID: c.ID}]
		}
	}
	return true
}

func (m *Memory) IsStaffOrHigherTrust(_ context.Context, userID int64, level int) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u := m.userByID(userID)
	return u != nil && (u.Staff || u.TrustLevel >= level)
}

func (m *Memory) Fetch(_ context.Context, url string, _ OneboxOptions) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.oneboxes[url], nil
}

func (m *Memory) StatusFor(_ context.Context, postID int64, url string) (*HotlinkedMedia, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hotlinked[hotlinkKey(postID, url)], nil
}

func hotlinkKey(postID int64, url string) string {
	return fmt.Sprintf("%d %s", postID, NormalizeMediaURL(url))
}

// NormalizeMediaURL strips the scheme so http and https references to the
// same media share a record.
func NormalizeMediaURL(url string) string {
	if i := strings.Index(url, "//"); i >= 0 && !strings.Contains(url[:i], "/") {
		return url[i:]
	}
	return url
}

func (m *Memory) Grant(_ context.Context, badge BadgeType, userID, postID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disabledBadges[badge] {
		return nil
	}
	for g := range m.grants {
		if g.Badge == badge && g.UserID == userID {
			return nil
		}
	}
	m.grants[Grant{Badge: badge, UserID: userID, PostID: postID}] = true
	return nil
}

func (m *Memory) Grants() []Grant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Grant, 0, len(m.grants))
	for g := range m.grants {
		out = append(out, g)
	}
	return out
}

// Revise updates the post's raw in place. It never bumps the topic.
func (m *Memory) Revise(_ context.Context, post *Post, raw string, opts RevisionOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.posts[post.ID]; ok {
		p.Raw = raw
	}
	post.Raw = raw
	m.revisions = append(m.revisions, Revision{PostID: post.ID, Raw: raw, Opts: opts})
	return nil
}

func (m *Memory) Revisions() []Revision {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Revision, len(m.revisions))
	copy(out, m.revisions)
	return out
}

func (m *Memory) SetPostImage(_ context.Context, postID, uploadID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.postImages[postID] = uploadID
	if p, ok := m.posts[postID]; ok {
		p.ImageUploadID = uploadID
	}
	return nil
}

func (m *Memory) SetTopicImage(_ context.Context, topicID, uploadID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topicImages[topicID] = uploadID
	if t, ok := m.topics[topicID]; ok {
		t.ImageUploadID = uploadID
	}
	return nil
}

func (m *Memory) LookupMentions(_ context.Context, _ int64, names []string) (map[string]textfmt.Mentionable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]textfmt.Mentionable)
	for _, name := range names {
		key := strings.ToLower(name)
		if u, ok := m.users[key]; ok {
			out[key] = textfmt.Mentionable{Kind: textfmt.MentionUser, Name: u.Username, Staged: u.Staged}
			continue
		}
		if g, ok := m.groups[key]; ok {
			out[key] = textfmt.Mentionable{Kind: textfmt.MentionGroup, Name: g.Name, Mentionable: g.Mentionable, Notify: g.Notifiable}
		}
	}
	return out, nil
}

func (m *Memory) LookupHashtags(ctx context.Context, userID int64, refs []textfmt.HashtagRef) (map[textfmt.HashtagRef]textfmt.Hashtag, error) {
	out := make(map[textfmt.HashtagRef]textfmt.Hashtag)
	for _, ref := range refs {
		if h, ok := m.resolveHashtag(ctx, userID, ref); ok {
			out[ref] = h
		}
	}
	return out, nil
}

func (m *Memory) resolveHashtag(ctx context.Context, userID int64, ref textfmt.HashtagRef) (textfmt.Hashtag, bool) {
	key := strings.ToLower(ref.Slug)

	m.mu.RLock()
	c, isCategory := m.categories[key]
	t, isTag := m.tags[key]
	m.mu.RUnlock()

	if ref.Type != textfmt.HashtagTag && isCategory && m.CanSee(ctx, userID, Entity{Kind: EntityCategory, ID: c.ID}) {
		return CategoryHashtag(m.BasePath, c), true
	}
	if ref.Type != textfmt.HashtagCategory && isTag {
		return TagHashtag(m.BasePath, t), true
	}
	return textfmt.Hashtag{}, false
}

func CategoryHashtag(basePath string, c *Category) textfmt.Hashtag {
	return textfmt.Hashtag{
		Type: textfmt.HashtagCategory,
		ID:   c.ID,
		Slug: c.Slug,
		Text: c.Name,
		URL:  fmt.Sprintf("%s/c/%s/%d", basePath, c.Slug, c.ID),
	}
}

func TagHashtag(basePath string, t *Tag) textfmt.Hashtag {
	return textfmt.Hashtag{
		Type: textfmt.HashtagTag,
		ID:   t.ID,
		Slug: t.Name,
		Text: t.Name,
		URL:  basePath + "/tag/" + t.Name,
	}
}

var (
	_ UploadStore           = (*Memory)(nil)
	_ PostStore             = (*Memory)(nil)
	_ UserStore             = (*Memory)(nil)
	_ PermissionOracle      = (*Memory)(nil)
	_ OneboxFetcher         = (*Memory)(nil)
	_ HotlinkedMediaStore   = (*Memory)(nil)
	_ BadgeGranter          = (*Memory)(nil)
	_ PostRevisor           = (*Memory)(nil)
	_ ImageUpdater          = (*Memory)(nil)
	_ OptimizedImageCreator = (*Memory)(nil)
	_ textfmt.MentionLookup = (*Memory)(nil)
	_ textfmt.HashtagLookup = (*Memory)(nil)
)
