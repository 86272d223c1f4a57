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
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// passwordAlphabet excludes characters easily confused in a printed or
// emailed password: 0/O, 1/l/I, and punctuation that collides visually.
const passwordAlphabet = "ACDEFGHJKLMNPQRTUVWXYZacdefghjkmnpqrtuvwxyz23456789!@#$%&*"

// Argon2Params are the memory-hard KDF parameters used for download
// password hashing. These match the Argon2id defaults OWASP recommends
// for an interactive login-equivalent verification.
type Argon2Params struct {
	Time    uint32
	MemoryKiB uint32
	Threads uint8
	KeyLen  uint32
}

// DefaultArgon2Params is used unless deployment configuration overrides it.
var DefaultArgon2Params = Argon2Params{Time: 1, MemoryKiB: 64 * 1024, Threads: 4, KeyLen: 32}

// GenerateToken returns a 256-bit random token, URL-safe encoded.
func GenerateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("could not generate download token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// GeneratePassword returns a random password of length drawn from
// passwordAlphabet.
func GeneratePassword(length int) (string, error) {
	if length <= 0 {
		length = 16
	}
	var sb strings.Builder
	sb.Grow(length)

	idx := make([]byte, length)
	if _, err := rand.Read(idx); err != nil {
		return "", fmt.Errorf("could not generate download password: %w", err)
	}
	for _, b := range idx {
		sb.WriteByte(passwordAlphabet[int(b)%len(passwordAlphabet)])
	}
	return sb.String(), nil
}

// HashPassword hashes a password with Argon2id, returning a self-describing
// string ("$argon2id$v=19$m=...,t=...,p=...$salt$hash", base64 fields)
// so the parameters used at issuance travel with the hash even if
// deployment defaults later change.
func HashPassword(password string, params Argon2Params) (string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("could not generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, params.Time, params.MemoryKiB, params.Threads, params.KeyLen)

	encoded := fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		params.MemoryKiB, params.Time, params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	)
	return encoded, nil
}

// VerifyPassword checks password against an encoded hash produced by
// HashPassword, in constant time.
func VerifyPassword(password, encoded string) (bool, error) {
	// encoded layout: $argon2id$v=19$m=<mem>,t=<time>,p=<threads>$<salt>$<hash>
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return false, fmt.Errorf("malformed password hash encoding")
	}

	var memoryKiB, timeCost uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memoryKiB, &timeCost, &threads); err != nil {
		return false, fmt.Errorf("could not parse password hash parameters: %w", err)
	}
	saltB64, hashB64 := parts[4], parts[5]

	salt, err := base64.RawStdEncoding.DecodeString(saltB64)
	if err != nil {
		return false, fmt.Errorf("could not decode salt: %w", err)
	}
	want, err := base64.RawStdEncoding.DecodeString(hashB64)
	if err != nil {
		return false, fmt.Errorf("could not decode hash: %w", err)
	}

	got := argon2.IDKey([]byte(password), salt, timeCost, memoryKiB, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// HashResult returns a hex-encoded SHA-256 digest of data, used to hash
// each reconstituted upload file and the final packaged result.
func HashResult(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}
