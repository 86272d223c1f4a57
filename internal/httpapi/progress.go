/* SPDX-License-Identifier: AGPL-3.0-or-later
 *
 * Zymatik Genomerge - Merge and export a 51-sample genotype dataset.
 * Copyright (C) 2024 Damian Peckett <damian@pecke.tt>
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published
 * by the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/zymatik-com/genomerge/internal/job/store"
)

// progressFrame is one frame of the per-job streaming endpoint.
type progressFrame struct {
	Type        string `json:"type"`
	ProgressPct int    `json:"progress_pct"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
}

// handleProgress streams Server-Sent Events for one job, over plain
// net/http using http.Flusher -- no extra websocket dependency, since every
// progress subscriber is a single long-lived GET from the same deployment.
// The first frame on every new subscription is always the current
// persisted status, so a reconnecting client sees where the job stands
// before live frames resume; subsequent frames come from the in-process
// broadcaster until the job reaches a terminal state or the client
// disconnects.
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	jobID := mux.Vars(r)["id"]

	j, err := s.store.GetJobForUser(r.Context(), jobID, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if j == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeFrame(w, flusher, frameFromJob(j))
	if isTerminal(j.Status) {
		return
	}

	updates, unsubscribe := s.bcast.Subscribe(jobID)
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case u, chOk := <-updates:
			if !chOk {
				return
			}
			frame := progressFrame{Type: "progress", ProgressPct: u.ProgressPct, Message: u.Message, Error: u.Err}
			writeFrame(w, flusher, frame)
			if u.Err != "" {
				return
			}
			if u.ProgressPct >= 100 {
				return
			}
		}
	}
}

func frameFromJob(j *store.Job) progressFrame {
	frame := progressFrame{Type: "status", ProgressPct: j.ProgressPct, Message: j.ProgressMessage}
	if j.ErrorMessage.Valid {
		frame.Error = j.ErrorMessage.String
	}
	return frame
}

func isTerminal(status string) bool {
	switch status {
	case store.StatusCompleted, store.StatusFailed, store.StatusExpired, store.StatusUserDeleted:
		return true
	default:
		return false
	}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, frame progressFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
