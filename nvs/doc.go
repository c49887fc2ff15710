// Package nvs provides the key/value store programs reach through the
// nvs_set and nvs_get helpers. Keys are 1 to 31 bytes, values are int32.
package nvs
