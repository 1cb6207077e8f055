package chat

import (
	"context"
	"strings"
	"unicode/utf8"

	"secchat/internal/content"
	"secchat/internal/docstore"
	"secchat/internal/models"
)

const maxReportReason = 500

func (s *Service) BlockUser(ctx context.Context, me models.Identity, userID string) (err error) {
	defer observe("block", &err)

	if err := authorize(me); err != nil {
		return err
	}
	if userID == me.UserID {
		return models.Invalid("cannot block yourself")
	}
	if _, err := s.loadUser(ctx, userID); err != nil {
		return err
	}
	return notFound(s.store.Update(ctx, docstore.Users, me.UserID, docstore.ArrayUnion("blockedUsers", userID)), "user")
}

func (s *Service) UnblockUser(ctx context.Context, me models.Identity, userID string) (err error) {
	defer observe("unblock", &err)

	if err := authorize(me); err != nil {
		return err
	}
	return notFound(s.store.Update(ctx, docstore.Users, me.UserID, docstore.ArrayRemove("blockedUsers", userID)), "user")
}

// ReportMessage files a complaint about another participant's message and
// returns the report id.
func (s *Service) ReportMessage(ctx context.Context, me models.Identity, chatID, messageID, reason string) (id string, err error) {
	defer observe("report", &err)

	reason = strings.TrimSpace(reason)
	if reason == "" || utf8.RuneCountInString(reason) > maxReportReason {
		return "", models.Invalid("report reason must be between 1 and 500 characters")
	}
	if _, err := s.memberChat(ctx, me, chatID); err != nil {
		return "", err
	}
	m, err := s.loadMessage(ctx, chatID, messageID)
	if err != nil {
		return "", err
	}
	if m.SenderID == me.UserID {
		return "", models.Invalid("cannot report your own message")
	}

	report := models.Report{
		ReporterID:     me.UserID,
		ChatID:         chatID,
		MessageID:      m.ID,
		ReportedUserID: m.SenderID,
		Reason:         content.Sanitize(reason),
	}
	return s.store.Create(ctx, docstore.Reports, report, docstore.ServerTime("createdAt"))
}

// ProfileUpdate changes the fields that are set.
type ProfileUpdate struct {
	DisplayName *string `json:"displayName,omitempty"`
	PhotoURL    *string `json:"photoURL,omitempty"`
}

func (s *Service) UpdateProfile(ctx context.Context, me models.Identity, update ProfileUpdate) (err error) {
	defer observe("update_profile", &err)

	if err := authorize(me); err != nil {
		return err
	}
	var ops []docstore.Op
	if update.DisplayName != nil {
		name := strings.TrimSpace(*update.DisplayName)
		if err := content.ValidateDisplayName(name); err != nil {
			return models.Invalid(err.Error())
		}
		name = content.Sanitize(name)
		ops = append(ops, docstore.Set("displayName", name), docstore.Set("searchName", models.SearchName(name)))
	}
	if update.PhotoURL != nil {
		url := strings.TrimSpace(*update.PhotoURL)
		if url != "" && !strings.HasPrefix(url, "https://") {
			return models.Invalid("photo url must use https")
		}
		ops = append(ops, docstore.Set("photoURL", url))
	}
	if len(ops) == 0 {
		return nil
	}
	return notFound(s.store.Update(ctx, docstore.Users, me.UserID, ops...), "user")
}

func validLevel(l models.PrivacyLevel) bool {
	return l == "" || l == models.PrivacyEveryone || l == models.PrivacyNobody
}

func (s *Service) UpdatePrivacy(ctx context.Context, me models.Identity, settings models.PrivacySettings) (err error) {
	defer observe("update_privacy", &err)

	if err := authorize(me); err != nil {
		return err
	}
	if !validLevel(settings.LastSeen) || !validLevel(settings.Photo) || !validLevel(settings.Online) {
		return models.Invalid("unknown privacy level")
	}
	return notFound(s.store.Update(ctx, docstore.Users, me.UserID, docstore.Set("privacySettings", settings)), "user")
}
