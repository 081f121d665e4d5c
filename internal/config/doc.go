// Package config loads the AgentMiner JSON configuration file, applies
// defaults relative to the file's directory and resolves secrets that are
// supplied through environment variable indirections.
package config
