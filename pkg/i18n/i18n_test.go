package i18n

import (
	"reflect"
	"testing"
)

func TestEveryMessageTranslated(t *testing.T) {
	en := reflect.ValueOf(messagesEN)
	zh := reflect.ValueOf(messagesZH)
	for i := 0; i < en.NumField(); i++ {
		name := en.Type().Field(i).Name
		if en.Field(i).String() == "" {
			t.Errorf("EN message %s is empty", name)
		}
		if zh.Field(i).String() == "" {
			t.Errorf("ZH message %s is empty", name)
		}
	}
}

func TestGetFollowsLanguage(t *testing.T) {
	defer SetLanguage(LangEN)

	SetLanguage(LangZH)
	if got := Get("EngineNotStarted"); got != "系統未啟動" {
		t.Fatalf("zh EngineNotStarted = %q", got)
	}
	SetLanguage(LangEN)
	if got := Get("EngineNotStarted"); got != "System not started" {
		t.Fatalf("en EngineNotStarted = %q", got)
	}
	if got := Get("NoSuchKey"); got != "NoSuchKey" {
		t.Fatalf("unknown key should echo, got %q", got)
	}
}
