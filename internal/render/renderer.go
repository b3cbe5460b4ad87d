package render

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"

	"github.com/kursadbilgin/newsletter-engine/internal/domain"
	"github.com/osteele/liquid"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

const (
	varUnsubscribeURL  = "unsubscribe_url"
	varFeedbackMoreURL = "feedback_more_url"
	varFeedbackLessURL = "feedback_less_url"
	varMemberUUID      = "uuid"
)

// RenderedBatch is the shared content of one batch plus the variables each
// recipient needs to personalize it.
type RenderedBatch struct {
	Subject string
	HTML    string
	Text    string
	// PerRecipient maps an email recipient id to its variable values.
	PerRecipient map[string]map[string]string
}

// Renderer turns an email snapshot into provider-ready content. It performs no
// I/O and reads no clock.
type Renderer struct {
	settings Settings
	engine   *liquid.Engine
	layout   *liquid.Template
	markdown goldmark.Markdown
	locale   *localeFormatter
}

func NewRenderer(settings Settings) (*Renderer, error) {
	settings = settings.withDefaults()
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	locale, err := newLocaleFormatter(settings)
	if err != nil {
		return nil, err
	}

	engine := liquid.NewEngine()
	locale.register(engine)

	source := settings.Layout
	if source == "" {
		source = defaultLayout
	}
	layout, parseErr := engine.ParseString(source)
	if parseErr != nil {
		return nil, fmt.Errorf("failed to parse layout: %w", parseErr)
	}

	return &Renderer{
		settings: settings,
		engine:   engine,
		layout:   layout,
		markdown: goldmark.New(
			goldmark.WithExtensions(extension.GFM),
			goldmark.WithRendererOptions(gmhtml.WithUnsafe()),
		),
		locale: locale,
	}, nil
}

func (r *Renderer) Settings() Settings { return r.settings }

// RenderForBatch renders the email once and derives per-recipient variables.
// Known merge tags become provider placeholders and unknown ones are dropped.
func (r *Renderer) RenderForBatch(email *domain.Email, recipients []domain.EmailRecipient, mergeTag MergeTagFormatter) (*RenderedBatch, error) {
	if email == nil {
		return nil, fmt.Errorf("%w: email is required", domain.ErrValidation)
	}
	if mergeTag == nil {
		return nil, fmt.Errorf("%w: merge tag formatter is required", domain.ErrValidation)
	}

	body, err := r.contentHTML(email)
	if err != nil {
		return nil, err
	}

	tags := newMergeTagSet()
	subject := tags.replace(email.Subject, mergeTag)
	body = tags.replace(body, mergeTag)

	bindings := map[string]any{
		"subject": subject,
		"content": body,
		"year":    email.CreatedAt.Year(),
		"site": map[string]any{
			"title":        r.settings.SiteTitle,
			"url":          r.settings.SiteURL,
			"accent_color": r.settings.AccentColor,
			"footer":       r.settings.FooterContent,
		},
		"post": map[string]any{
			"id":           email.PostID,
			"title":        email.PostTitle,
			"url":          email.PostURL,
			"published_at": publishedAt(email),
		},
		"newsletter": map[string]any{
			"name": email.NewsletterName,
			"slug": email.NewsletterSlug,
		},
		"feedback": map[string]any{
			"enabled":  email.FeedbackEnabled,
			"more_url": mergeTag(varFeedbackMoreURL),
			"less_url": mergeTag(varFeedbackLessURL),
		},
		"unsubscribe_url": mergeTag(varUnsubscribeURL),
	}

	document, renderErr := r.layout.RenderString(bindings)
	if renderErr != nil {
		return nil, fmt.Errorf("failed to render layout: %w", renderErr)
	}

	document, err = rewriteLinks(document, linkRewriter{
		emailID:      email.ID,
		refSource:    email.NewsletterSlug,
		trackingBase: r.settings.TrackingBaseURL,
		memberTag:    mergeTag(varMemberUUID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to rewrite links: %w", err)
	}

	perRecipient := make(map[string]map[string]string, len(recipients))
	for _, recipient := range recipients {
		values := tags.values(recipient)
		values[varMemberUUID] = recipient.MemberUUID
		values[varUnsubscribeURL] = r.UnsubscribeURL(recipient.MemberUUID, email.NewsletterSlug)
		if email.FeedbackEnabled {
			values[varFeedbackMoreURL] = r.FeedbackURL(email.PostID, recipient.MemberUUID, true)
			values[varFeedbackLessURL] = r.FeedbackURL(email.PostID, recipient.MemberUUID, false)
		}
		perRecipient[recipient.ID] = values
	}

	return &RenderedBatch{
		Subject:      subject,
		HTML:         document,
		Text:         htmlToText(document),
		PerRecipient: perRecipient,
	}, nil
}

func (r *Renderer) contentHTML(email *domain.Email) (string, error) {
	if email.SourceFormat != domain.SourceFormatMarkdown {
		return email.PostContent, nil
	}

	var buf bytes.Buffer
	if err := r.markdown.Convert([]byte(email.PostContent), &buf); err != nil {
		return "", fmt.Errorf("failed to convert markdown: %w", err)
	}
	return buf.String(), nil
}

// MemberKey signs a member uuid so unsubscribe and feedback links cannot be forged.
func (r *Renderer) MemberKey(memberUUID string) string {
	mac := hmac.New(sha256.New, []byte(r.settings.MembersSigningKey))
	mac.Write([]byte(memberUUID))
	return hex.EncodeToString(mac.Sum(nil))
}

func (r *Renderer) UnsubscribeURL(memberUUID, newsletterSlug string) string {
	query := url.Values{}
	query.Set("uuid", memberUUID)
	query.Set("key", r.MemberKey(memberUUID))
	if newsletterSlug != "" {
		query.Set("newsletter", newsletterSlug)
	}
	return r.settings.SiteURL + "/unsubscribe/?" + query.Encode()
}

func (r *Renderer) FeedbackURL(postID, memberUUID string, positive bool) string {
	score := "0"
	if positive {
		score = "1"
	}
	query := url.Values{}
	query.Set("uuid", memberUUID)
	query.Set("key", r.MemberKey(memberUUID))
	return r.settings.SiteURL + "/#/feedback/" + url.PathEscape(postID) + "/" + score + "/?" + query.Encode()
}

func publishedAt(email *domain.Email) any {
	if email.PostPublishedAt == nil {
		return nil
	}
	return *email.PostPublishedAt
}
