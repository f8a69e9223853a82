// Package model defines the stable boundary types for the HTTP API.
//
// These structs are the only types intended for direct JSON serialization;
// internal components pass their own domain types and convert at the edge.
package model
