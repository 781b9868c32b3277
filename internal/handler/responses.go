package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zinspection/riskengine/internal/model"
	"github.com/zinspection/riskengine/internal/scoring"
)

type answerRequest struct {
	QuestionCode string           `json:"questionCode" validate:"required"`
	Choice       model.ChoiceWire `json:"choice"`
}

type saveAnswersRequest struct {
	Answers []answerRequest `json:"answers" validate:"dive"`
}

func (h *Handler) handleSaveAnswers(w http.ResponseWriter, r *http.Request) {
	var req saveAnswersRequest
	if err := h.decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	answers := make([]model.Answer, 0, len(req.Answers))
	for _, a := range req.Answers {
		c, err := a.Choice.Choice()
		if err != nil {
			writeError(w, r, err)
			return
		}
		answers = append(answers, model.Answer{QuestionCode: a.QuestionCode, Choice: c})
	}
	resp, err := h.store.SaveAnswers(r.Context(),
		chi.URLParam(r, "projectID"), chi.URLParam(r, "userID"), chi.URLParam(r, "questionnaire"), answers)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetResponse(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	projectID, userID, qk := chi.URLParam(r, "projectID"), chi.URLParam(r, "userID"), chi.URLParam(r, "questionnaire")
	resp, err := h.store.GetResponse(ctx, projectID, userID, qk)
	if err != nil {
		writeError(w, r, err)
		return
	}
	rows, _, err := h.store.ListAnswers(ctx, storeFilter(projectID, userID, qk))
	if err != nil {
		writeError(w, r, err)
		return
	}
	answers := make([]model.Answer, 0, len(rows))
	for _, ra := range rows {
		answers = append(answers, ra.Answer)
	}
	writeJSON(w, http.StatusOK, map[string]any{"response": resp, "answers": answers})
}

func (h *Handler) handleSubmitResponse(w http.ResponseWriter, r *http.Request) {
	resp, err := h.store.SubmitResponse(r.Context(),
		chi.URLParam(r, "projectID"), chi.URLParam(r, "userID"), chi.URLParam(r, "questionnaire"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type recomputeRequest struct {
	Respondent    string `json:"respondent"`
	Questionnaire string `json:"questionnaire"`
}

func (h *Handler) handleRecompute(w http.ResponseWriter, r *http.Request) {
	var req recomputeRequest
	if r.ContentLength != 0 {
		if err := h.decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	rec, err := h.scorer.Recompute(r.Context(), scoring.Key{
		ProjectID:        chi.URLParam(r, "projectID"),
		Respondent:       req.Respondent,
		QuestionnaireKey: req.Questionnaire,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.scoreView(r, rec))
}

func (h *Handler) handleGetScores(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rec, err := h.scorer.Current(r.Context(), scoring.Key{
		ProjectID:        chi.URLParam(r, "projectID"),
		Respondent:       q.Get("respondent"),
		QuestionnaireKey: q.Get("questionnaire"),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.scoreView(r, rec))
}
