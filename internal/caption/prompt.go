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

package caption

import (
	"fmt"
	"time"

	"github.com/classfeed/postgen/internal/models"
)

const (
	batchSystemPrompt = "You are an expert social media manager for schools. " +
		"You have a great eye for selecting the most engaging images and crafting compelling Instagram captions."
	combinedSystemPrompt = "You are an expert social media manager for schools. " +
		"You have a great eye for crafting compelling Instagram captions that capture multiple moments and activities."

	placeholderTooLarge = "[Image too large to process]\n"
	placeholderFailed   = "[Image could not be loaded]\n"

	// maxContextChars bounds the email text quoted per image.
	maxContextChars = 500
)

func plural(n int) string {
	if n > 1 {
		return "s"
	}
	return ""
}

func dateString(date time.Time) string {
	return date.Format("2006-01-02")
}

func batchIntro(n int, date time.Time) string {
	return fmt.Sprintf(`You are a social media manager for a school. Today's date is %s.

You have %d image%s from today's emails. Your task is to:
1. Review each image and its associated email content
2. Select the BEST 3-5 images that would make engaging Instagram posts
3. For each selected image, write an engaging Instagram caption (maximum 60 words)
4. The captions should be upbeat, engaging, and suitable for parents and students

Here are the images:

`, dateString(date), n, plural(n))
}

const batchOutro = `

Now select the BEST 3-5 images and write captions for each. Respond in valid JSON with this exact shape:
{
  "posts": [
    {
      "image_index": 1,
      "caption": "Your engaging Instagram caption here...",
      "reasoning": "Why you selected this image"
    },
    ...
  ]
}

Select images that are visually interesting, tell a story, or highlight important school activities.`

func combinedIntro(n int, date time.Time) string {
	s := plural(n)
	return fmt.Sprintf(`You are a social media manager for a school. Today's date is %s.

A user has selected %d image%s to create an Instagram post.

Your task is to:
1. Review all %d image%s and their associated email content
2. Write ONE engaging Instagram caption that captures the essence of all the images together
3. The caption should be engaging, upbeat, and mention key details
4. Maximum 60 words

Here are the selected images:

`, dateString(date), n, s, n, s)
}

func combinedOutro(n int) string {
	return fmt.Sprintf(`

Now write a single Instagram caption that captures all %d image%s. Respond in valid JSON with this exact shape:
{
  "caption": "Your engaging Instagram caption here...",
  "reasoning": "Brief explanation of your caption choice"
}

Make the caption upbeat, engaging, and suitable for parents and students.`, n, plural(n))
}

// provenance is the text block preceding image number index (1-based).
func provenance(index int, img models.InboundImage, withEmailID bool) string {
	subject := img.Subject
	if subject == "" {
		subject = "No subject"
	}
	sender := img.Sender
	if sender == "" {
		sender = "Unknown"
	}

	text := img.TextContent
	if r := []rune(text); len(r) > maxContextChars {
		text = string(r[:maxContextChars])
	}

	header := fmt.Sprintf("--- Image %d ---\n", index)
	if withEmailID {
		header += fmt.Sprintf("Email ID: %s\n", img.EmailID)
	}
	return header + fmt.Sprintf("Subject: %s\nFrom: %s\nText: %s\n", subject, sender, text)
}
