package transport

import (
	"net/http"

	"github.com/seiforesti/data-wave-sub007/internal/analytics"
	"github.com/seiforesti/data-wave-sub007/model"
)

type seriesBody struct {
	Series []model.Series `json:"series"`
}

func handleCorrelations(engine *analytics.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body seriesBody
		if err := decodeBody(w, r, &body, false); err != nil {
			WriteError(w, r, err)
			return
		}
		results, err := engine.AnalyzeCorrelations(body.Series)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": results})
	}
}

// handleInsights correlates the posted series and returns the insights
// derived from them together with the underlying correlations.
func handleInsights(engine *analytics.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body seriesBody
		if err := decodeBody(w, r, &body, false); err != nil {
			WriteError(w, r, err)
			return
		}
		results, err := engine.AnalyzeCorrelations(body.Series)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":         engine.GenerateInsights(r.Context(), results),
			"correlations": results,
		})
	}
}

func handlePredict(engine *analytics.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Model    string    `json:"model"`
			Features []float64 `json:"features"`
			Horizon  int       `json:"horizon"`
		}
		if err := decodeBody(w, r, &body, false); err != nil {
			WriteError(w, r, err)
			return
		}
		p, err := engine.Predict(body.Model, body.Features, body.Horizon)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, p)
	}
}
