package segment

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kursadbilgin/newsletter-engine/internal/domain"
	"go.uber.org/zap"
)

const defaultPageSize = 1000

// MemberSource evaluates a recipient filter for a newsletter and returns a
// page of members ordered by id, starting after afterID.
type MemberSource interface {
	ListMembers(ctx context.Context, newsletterID, filter, afterID string, limit int) ([]domain.Member, error)
}

// SuppressionSource reports members that must not receive a newsletter.
type SuppressionSource interface {
	SuppressedMemberIDs(ctx context.Context, newsletterID string, memberIDs []string) (map[string]struct{}, error)
}

// Segmenter resolves the recipient list of an email.
type Segmenter struct {
	source       MemberSource
	suppressions SuppressionSource
	pageSize     int
	logger       *zap.Logger
}

func NewSegmenter(source MemberSource, suppressions SuppressionSource, pageSize int, logger *zap.Logger) *Segmenter {
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Segmenter{
		source:       source,
		suppressions: suppressions,
		pageSize:     pageSize,
		logger:       logger,
	}
}

// Resolve returns the members matching filter, deduplicated and sorted by id.
// Members without an email address are dropped, and so are members with a
// permanent failure for the newsletter unless includeSuppressed is set.
func (s *Segmenter) Resolve(ctx context.Context, newsletterID, filter string, includeSuppressed bool) ([]domain.Member, error) {
	if strings.TrimSpace(newsletterID) == "" {
		return nil, fmt.Errorf("%w: newsletter id is required", domain.ErrValidation)
	}

	seen := make(map[string]struct{})
	var members []domain.Member
	var dropped int

	afterID := ""
	for {
		page, err := s.source.ListMembers(ctx, newsletterID, filter, afterID, s.pageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list members: %w", err)
		}
		if len(page) == 0 {
			break
		}

		last := afterID
		for _, m := range page {
			if m.ID > last {
				last = m.ID
			}
			if _, ok := seen[m.ID]; ok || m.ID == "" {
				continue
			}
			seen[m.ID] = struct{}{}

			if strings.TrimSpace(m.Email) == "" {
				dropped++
				continue
			}
			members = append(members, m)
		}

		if len(page) < s.pageSize {
			break
		}
		if last == afterID {
			return nil, fmt.Errorf("member source did not advance past %q", afterID)
		}
		afterID = last
	}

	sort.Slice(members, func(i, j int) bool {
		return members[i].ID < members[j].ID
	})

	suppressedCount := 0
	if !includeSuppressed && s.suppressions != nil && len(members) > 0 {
		ids := make([]string, len(members))
		for i, m := range members {
			ids[i] = m.ID
		}

		suppressed, err := s.suppressions.SuppressedMemberIDs(ctx, newsletterID, ids)
		if err != nil {
			return nil, fmt.Errorf("failed to load suppressions: %w", err)
		}

		if len(suppressed) > 0 {
			kept := members[:0]
			for _, m := range members {
				if _, ok := suppressed[m.ID]; ok {
					suppressedCount++
					continue
				}
				kept = append(kept, m)
			}
			members = kept
		}
	}

	s.logger.Debug("recipients resolved",
		zap.String("newsletterId", newsletterID),
		zap.Int("recipients", len(members)),
		zap.Int("withoutEmail", dropped),
		zap.Int("suppressed", suppressedCount),
	)

	return members, nil
}
