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

// Package batch groups images into generation batches bounded by an
// estimated aggregate size.
package batch

import "github.com/classfeed/postgen/internal/models"

const (
	// MaxBatchKB bounds the estimated size of one batch (30 MB).
	MaxBatchKB = 30 * 1024
	// EstimatedImageKB is the fixed per-image estimate used before any
	// image size is actually known.
	EstimatedImageKB = 500
)

// Split partitions images into ordered batches. A new batch starts only when
// adding the next image would push the current one past MaxBatchKB and the
// current batch already holds at least one image. Empty input yields nil.
func Split(images []models.InboundImage) [][]models.InboundImage {
	var batches [][]models.InboundImage
	var current []models.InboundImage
	currentKB := 0

	for _, img := range images {
		if currentKB+EstimatedImageKB > MaxBatchKB && len(current) > 0 {
			batches = append(batches, current)
			current = nil
			currentKB = 0
		}
		current = append(current, img)
		currentKB += EstimatedImageKB
	}

	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// Flatten expands emails into one InboundImage per image URL, keeping email
// order and the image order within each email.
func Flatten(emails []models.EmailWithImages) []models.InboundImage {
	var images []models.InboundImage
	for _, e := range emails {
		for _, u := range e.ImageURLs {
			images = append(images, models.InboundImage{
				ImageURL:    u,
				EmailID:     e.ID,
				Subject:     e.Subject,
				Sender:      e.Sender,
				TextContent: e.TextContent,
			})
		}
	}
	return images
}
