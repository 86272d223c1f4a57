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

package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBroadcasterDeliversToSubscriber(t *testing.T) {
	b := NewBroadcaster()
	ch, unsubscribe := b.Subscribe("job-1")
	defer unsubscribe()

	b.Publish("job-1", Update{ProgressPct: 10, Message: "chromosome 1"})

	select {
	case u := <-ch:
		require.Equal(t, 10, u.ProgressPct)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for update")
	}
}

func TestBroadcasterIsolatesJobs(t *testing.T) {
	b := NewBroadcaster()
	chA, unsubA := b.Subscribe("job-a")
	defer unsubA()
	chB, unsubB := b.Subscribe("job-b")
	defer unsubB()

	b.Publish("job-a", Update{ProgressPct: 50})

	select {
	case u := <-chA:
		require.Equal(t, 50, u.ProgressPct)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job-a update")
	}

	select {
	case <-chB:
		t.Fatal("job-b subscriber should not receive job-a's update")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBroadcasterDropsWhenSubscriberBufferFull(t *testing.T) {
	b := NewBroadcaster()
	ch, unsubscribe := b.Subscribe("job-1")
	defer unsubscribe()

	// Fill the buffer (16) and publish one more -- must not block or panic.
	for i := 0; i < 20; i++ {
		b.Publish("job-1", Update{ProgressPct: i})
	}

	// Drain what made it through; draining should not deadlock.
	drained := 0
	for {
		select {
		case <-ch:
			drained++
		default:
			require.LessOrEqual(t, drained, 16)
			return
		}
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroadcaster()
	ch, unsubscribe := b.Subscribe("job-1")
	unsubscribe()

	_, ok := <-ch
	require.False(t, ok)
}
