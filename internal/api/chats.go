package api

import (
	"net/http"

	"secchat/internal/chat"
	"secchat/internal/models"
)

// reply writes the outcome of a chat operation.
func reply(w http.ResponseWriter, err error) {
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, models.OutcomeOf(nil))
}

type DirectChatRequest struct {
	UserID string `json:"userId"`
}

func (a *API) CreateDirectChatHandler(w http.ResponseWriter, r *http.Request) {
	var req DirectChatRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := a.chats.CreateDirectChat(r.Context(), identityFrom(r), req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type GroupRequest struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Members     []string `json:"members"`
}

func (a *API) CreateGroupHandler(w http.ResponseWriter, r *http.Request) {
	var req GroupRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	c, err := a.chats.CreateGroup(r.Context(), identityFrom(r), req.Name, req.Description, req.Members)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (a *API) UpdateGroupInfoHandler(w http.ResponseWriter, r *http.Request) {
	var info chat.GroupInfo
	if err := decode(r, &info); err != nil {
		writeError(w, err)
		return
	}
	reply(w, a.chats.UpdateGroupInfo(r.Context(), identityFrom(r), r.PathValue("id"), info))
}

type MemberRequest struct {
	UserID string `json:"userId"`
}

func (a *API) AddGroupMemberHandler(w http.ResponseWriter, r *http.Request) {
	var req MemberRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	reply(w, a.chats.AddGroupMember(r.Context(), identityFrom(r), r.PathValue("id"), req.UserID))
}

func (a *API) RemoveGroupMemberHandler(w http.ResponseWriter, r *http.Request) {
	reply(w, a.chats.RemoveGroupMember(r.Context(), identityFrom(r), r.PathValue("id"), r.PathValue("userId")))
}

func (a *API) LeaveGroupHandler(w http.ResponseWriter, r *http.Request) {
	reply(w, a.chats.LeaveGroup(r.Context(), identityFrom(r), r.PathValue("id")))
}

func (a *API) MakeAdminHandler(w http.ResponseWriter, r *http.Request) {
	var req MemberRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	reply(w, a.chats.MakeAdmin(r.Context(), identityFrom(r), r.PathValue("id"), req.UserID))
}

func (a *API) DeleteChatHandler(w http.ResponseWriter, r *http.Request) {
	reply(w, a.chats.DeleteChat(r.Context(), identityFrom(r), r.PathValue("id")))
}

type ClearResponse struct {
	models.Outcome
	Cleared int `json:"cleared"`
}

func (a *API) ClearChatHistoryHandler(w http.ResponseWriter, r *http.Request) {
	n, err := a.chats.ClearChatHistory(r.Context(), identityFrom(r), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ClearResponse{Outcome: models.OutcomeOf(nil), Cleared: n})
}

func (a *API) BlockUserHandler(w http.ResponseWriter, r *http.Request) {
	reply(w, a.chats.BlockUser(r.Context(), identityFrom(r), r.PathValue("id")))
}

func (a *API) UnblockUserHandler(w http.ResponseWriter, r *http.Request) {
	reply(w, a.chats.UnblockUser(r.Context(), identityFrom(r), r.PathValue("id")))
}

type ReportRequest struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Reason    string `json:"reason"`
}

type ReportResponse struct {
	models.Outcome
	ID string `json:"id"`
}

func (a *API) ReportMessageHandler(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, err := a.chats.ReportMessage(r.Context(), identityFrom(r), req.ChatID, req.MessageID, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ReportResponse{Outcome: models.OutcomeOf(nil), ID: id})
}

func (a *API) UpdateProfileHandler(w http.ResponseWriter, r *http.Request) {
	var update chat.ProfileUpdate
	if err := decode(r, &update); err != nil {
		writeError(w, err)
		return
	}
	reply(w, a.chats.UpdateProfile(r.Context(), identityFrom(r), update))
}

func (a *API) UpdatePrivacyHandler(w http.ResponseWriter, r *http.Request) {
	var settings models.PrivacySettings
	if err := decode(r, &settings); err != nil {
		writeError(w, err)
		return
	}
	reply(w, a.chats.UpdatePrivacy(r.Context(), identityFrom(r), settings))
}
