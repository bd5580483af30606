package trace

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"

	"traceserver/internal/refs"
	"traceserver/internal/store"
	"traceserver/internal/traceerr"
)

const (
	reservedFeedbackPrefix = "wandb."
	feedbackReaction       = "wandb.reaction.1"
	feedbackNote           = "wandb.note.1"
	maxNoteLength          = 1024
)

func (s *Server) FeedbackCreate(ctx context.Context, req FeedbackCreateReq) (*FeedbackCreateRes, error) {
	return run(ctx, "feedback_create", req.ProjectID, func(ctx context.Context) (*FeedbackCreateRes, error) {
		if err := validateProject(req.ProjectID); err != nil {
			return nil, err
		}
		ref, err := refs.Parse(req.WeaveRef)
		if err != nil {
			return nil, traceerr.Validationf("weave_ref: %v", err)
		}
		if ref.ProjectID() != req.ProjectID {
			return nil, traceerr.Validationf("weave_ref belongs to %s, not %s", ref.ProjectID(), req.ProjectID)
		}
		if req.FeedbackType == "" {
			return nil, traceerr.Validationf("feedback_type is required")
		}
		payload, err := canonicalObject(req.Payload, "payload")
		if err != nil {
			return nil, err
		}
		if err := validateFeedbackType(req.FeedbackType, payload); err != nil {
			return nil, err
		}

		f := store.Feedback{
			ID:           s.newID(),
			ProjectID:    req.ProjectID,
			WeaveRef:     req.WeaveRef,
			FeedbackType: req.FeedbackType,
			Payload:      payload,
			Creator:      req.Creator,
			CreatedAt:    s.now(),
		}
		err = s.retry(ctx, "feedback_create", func() error {
			return s.store.PutFeedback(ctx, f)
		})
		if err != nil {
			return nil, fmt.Errorf("storing feedback: %w", err)
		}
		return &FeedbackCreateRes{ID: f.ID, CreatedAt: f.CreatedAt}, nil
	})
}

// validateFeedbackType keeps the reserved prefix for the builtin reaction
// and note kinds and checks their payload shape.
func validateFeedbackType(typ string, payload []byte) error {
	if !strings.HasPrefix(typ, reservedFeedbackPrefix) {
		return nil
	}
	switch typ {
	case feedbackReaction:
		emoji := gjson.GetBytes(payload, "emoji")
		if emoji.Type != gjson.String || emoji.Str == "" {
			return traceerr.Validationf("reaction feedback needs an emoji")
		}
	case feedbackNote:
		note := gjson.GetBytes(payload, "note")
		if note.Type != gjson.String || note.Str == "" {
			return traceerr.Validationf("note feedback needs a note")
		}
		if utf8.RuneCountInString(note.Str) > maxNoteLength {
			return traceerr.Validationf("note must be at most %d characters", maxNoteLength)
		}
	default:
		return traceerr.Validationf("feedback type %q uses the reserved %q prefix", typ, reservedFeedbackPrefix)
	}
	return nil
}

func feedbackQuery(projectID string, f FeedbackFilter) (store.FeedbackQuery, error) {
	if err := validateProject(projectID); err != nil {
		return store.FeedbackQuery{}, err
	}
	return store.FeedbackQuery{
		ProjectID:     projectID,
		IDs:           f.IDs,
		WeaveRefs:     f.WeaveRefs,
		FeedbackTypes: f.FeedbackTypes,
		CreatedAfter:  f.CreatedAfter,
		CreatedBefore: f.CreatedBefore,
		HasCreator:    f.HasCreator,
	}, nil
}

func (s *Server) FeedbackQuery(ctx context.Context, req FeedbackQueryReq) ([]Feedback, error) {
	return run(ctx, "feedback_query", req.ProjectID, func(ctx context.Context) ([]Feedback, error) {
		q, err := feedbackQuery(req.ProjectID, req.Filter)
		if err != nil {
			return nil, err
		}
		if q.Limit, err = s.limit(req.Limit, req.Offset); err != nil {
			return nil, err
		}
		q.Offset = req.Offset
		if _, q.Desc, err = sortDesc(req.Sort, "created_at"); err != nil {
			return nil, err
		}

		var out []Feedback
		err = s.retry(ctx, "feedback_query", func() error {
			var err error
			out, err = s.store.QueryFeedback(ctx, q)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("querying feedback: %w", err)
		}
		if out == nil {
			out = []Feedback{}
		}
		return out, nil
	})
}

func (s *Server) FeedbackPurge(ctx context.Context, req FeedbackPurgeReq) (*PurgeRes, error) {
	return run(ctx, "feedback_purge", req.ProjectID, func(ctx context.Context) (*PurgeRes, error) {
		q, err := feedbackQuery(req.ProjectID, req.Filter)
		if err != nil {
			return nil, err
		}
		if q.Empty() {
			return nil, traceerr.Validationf("feedback purge needs a filter")
		}
		var n int64
		err = s.retry(ctx, "feedback_purge", func() error {
			var err error
			n, err = s.store.PurgeFeedback(ctx, q)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("purging feedback: %w", err)
		}
		return &PurgeRes{NumPurged: n}, nil
	})
}
