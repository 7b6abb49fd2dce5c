package logger

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewParsesLevel(t *testing.T) {
	log := New(Config{Level: "debug"})
	if log.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %v", log.GetLevel())
	}
}

func TestNewInvalidLevelFallsBack(t *testing.T) {
	log := New(Config{Level: "nope"})
	if log.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info fallback, got %v", log.GetLevel())
	}
}

func TestNewDefaultTagsComponent(t *testing.T) {
	log := NewDefault("engine")
	if len(log.Hooks[logrus.InfoLevel]) == 0 {
		t.Fatal("expected component hook to be installed")
	}
}
