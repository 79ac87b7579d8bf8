// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package tokenizer

// heuristicCount uses a word count * 1.3 approximation for token estimation.
// This is a fast but approximate method; most tokenizers produce ~1.3 tokens
// per word on average.
func heuristicCount(content string) int {
	if len(content) == 0 {
		return 0
	}

	wordCount := countWords(content)
	n := int(float64(wordCount) * 1.3)
	if n == 0 {
		// Non-empty input always costs at least one token
		n = 1
	}
	return n
}

// countWords counts the number of words in the content.
// Words are separated by whitespace characters.
func countWords(content string) int {
	if len(content) == 0 {
		return 0
	}

	wordCount := 0
	inWord := false

	for _, r := range content {
		isSpace := r == ' ' || r == '\t' || r == '\n' || r == '\r'
		if isSpace {
			inWord = false
		} else if !inWord {
			wordCount++
			inWord = true
		}
	}

	return wordCount
}
