// Copyright (c) 2026 John Earle
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

// Package models defines the data structures shared across the post
// generation service.
package models

import "time"

// Organization is a school that receives forwarded email at RecipientEmail.
type Organization struct {
	ID             string
	Name           string
	RecipientEmail string
	CronSchedule   string
	CronEnabled    bool
	CronJobID      string // empty when no trigger is registered
	CreatedAt      time.Time
}

// Email is a persisted inbound email.
type Email struct {
	ID              string
	OrganizationID  string
	ProviderEmailID string
	Sender          string
	Recipient       string
	Subject         string
	RawText         string
	ReceivedAt      time.Time
}

// InboundEmail is the normalized content of a verified webhook delivery,
// ready to be persisted as one email plus its parsed content.
type InboundEmail struct {
	ProviderEmailID string
	OrganizationID  string
	Sender          string
	Recipient       string
	Subject         string
	TextContent     string
	ImageURLs       []string
}

// EmailWithImages is an email of the current day joined with its parsed
// content. Only emails carrying at least one image are returned as this type.
type EmailWithImages struct {
	ID          string
	Sender      string
	Subject     string
	TextContent string
	ImageURLs   []string
	ReceivedAt  time.Time
}

// InboundImage is one image together with the email it came from.
// It is built per generation request and never persisted.
type InboundImage struct {
	ImageURL    string `json:"imageUrl"`
	EmailID     string `json:"emailId"`
	Subject     string `json:"subject,omitempty"`
	Sender      string `json:"sender"`
	TextContent string `json:"textContent,omitempty"`
}

// GeneratedPost is a caption produced by the generator.
type GeneratedPost struct {
	CaptionText     string    `json:"captionText"`
	EmailID         string    `json:"emailId,omitempty"`
	SourceImageURL  string    `json:"sourceImageUrl,omitempty"`
	SourceImageURLs []string  `json:"sourceImageUrls,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	IsUserGenerated bool      `json:"isUserGenerated"`
}

// Post is a persisted generated post.
type Post struct {
	ID              string
	OrganizationID  string
	EmailID         string
	CaptionText     string
	SourceImageURL  string
	SourceImageURLs []string
	IsUserGenerated bool
	CreatedAt       time.Time
}
