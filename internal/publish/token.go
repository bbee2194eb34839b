// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package publish pushes built distribution archives to a package index
// using trusted publishing: instead of a long-lived index credential, the
// publish job presents a short-lived ambient identity token minted by the
// daemon and bound to the run, the job, and the target index.
package publish

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tombee/forge/pkg/errors"
	"github.com/tombee/forge/pkg/pipeline"
)

// DefaultTokenTTL bounds the lifetime of minted tokens. Publishing a release
// takes seconds; fifteen minutes covers slow indexes with margin.
const DefaultTokenTTL = 15 * time.Minute

// tokenIssuerName is the iss claim on minted tokens.
const tokenIssuerName = "forged"

// Claims are the identity claims carried by a publish token.
type Claims struct {
	jwt.RegisteredClaims

	// RunID is the pipeline run this token was minted for.
	RunID string `json:"run_id"`

	// JobID is the publish job within the run.
	JobID string `json:"job_id"`

	// Pipeline is the pipeline name.
	Pipeline string `json:"pipeline"`
}

// Issuer mints and verifies short-lived EdDSA publish tokens. Each daemon
// process generates an ephemeral keypair at startup; tokens never outlive
// the process that minted them.
type Issuer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	ttl        time.Duration
}

// NewIssuer creates an issuer with a freshly generated keypair.
func NewIssuer() (*Issuer, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return &Issuer{
		privateKey: privateKey,
		publicKey:  publicKey,
		ttl:        DefaultTokenTTL,
	}, nil
}

// NewIssuerWithTTL creates an issuer with a custom token lifetime.
func NewIssuerWithTTL(ttl time.Duration) (*Issuer, error) {
	issuer, err := NewIssuer()
	if err != nil {
		return nil, err
	}
	if ttl > 0 {
		issuer.ttl = ttl
	}
	return issuer, nil
}

// MintForJob mints a token for a publish job. The job's permission grants
// are re-checked here so a token can never be produced for a job that does
// not carry id_token: write, regardless of what the caller wired up.
func (i *Issuer) MintForJob(job *pipeline.JobDefinition, runID, pipelineName, audience string) (string, error) {
	if !job.Permissions.AllowsTokenIssuance() {
		return "", &errors.PublishError{
			Index:      audience,
			Message:    fmt.Sprintf("job %s lacks the id_token: write permission", job.ID),
			Suggestion: "grant 'permissions: {id_token: write}' on the publish job",
		}
	}
	if audience == "" {
		return "", &errors.PublishError{
			Message:    "publish token requires a target index audience",
			Suggestion: "set the publish step's index URL",
		}
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuerName,
			Subject:   fmt.Sprintf("%s/%s", pipelineName, job.ID),
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
		RunID:    runID,
		JobID:    job.ID,
		Pipeline: pipelineName,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	signed, err := token.SignedString(i.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign publish token: %w", err)
	}
	return signed, nil
}

// Verify parses a token and checks its signature, expiry, and audience.
func (i *Issuer) Verify(tokenString, audience string) (*Claims, error) {
	if tokenString == "" {
		return nil, fmt.Errorf("token is empty")
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != "EdDSA" {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Method.Alg())
		}
		return i.publicKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("token is invalid")
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid token claims")
	}

	if audience != "" {
		found := false
		for _, aud := range claims.Audience {
			if aud == audience {
				found = true
				break
			}
		}
		if !found {
			return nil, fmt.Errorf("token audience does not include %s", audience)
		}
	}

	return claims, nil
}
