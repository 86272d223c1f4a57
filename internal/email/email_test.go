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

package email

import (
	"errors"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/zymatik-com/genomerge/internal/config"
)

func TestSendCompletionBuildsMessage(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte

	n := NewNotifier(config.SMTPConfig{Host: "mail.example.com", Port: 587, From: "genomerge@example.com"})
	n.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	err := n.SendCompletion("user@example.com", Completion{
		JobID:        "job-1",
		DownloadURL:  "https://genomerge.example.com/download/abc",
		Token:        "abc",
		Password:     "s3cr3t",
		ExpiresHours: 24,
	})
	require.NoError(t, err)
	require.Equal(t, "mail.example.com:587", gotAddr)
	require.Equal(t, "genomerge@example.com", gotFrom)
	require.Equal(t, []string{"user@example.com"}, gotTo)
	require.Contains(t, string(gotMsg), "abc")
	require.Contains(t, string(gotMsg), "s3cr3t")
	require.Contains(t, string(gotMsg), "https://genomerge.example.com/download/abc")
}

func TestSendCompletionWrapsError(t *testing.T) {
	n := NewNotifier(config.SMTPConfig{Host: "mail.example.com", Port: 587, From: "genomerge@example.com"})
	n.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		return errors.New("connection refused")
	}

	err := n.SendCompletion("user@example.com", Completion{JobID: "job-1"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "job-1")
}
