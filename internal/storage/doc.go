// Package storage provides local persistence for the sync core:
// a small key/value area (credentials, cached config, preferences; values
// may be ciphertext) and the monotonically growing seen-gift-id set.
package storage
