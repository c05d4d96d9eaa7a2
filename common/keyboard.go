/*
 *
 * cdpdriver - a Chrome DevTools Protocol client
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package common

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/input"

	"github.com/grafana/cdpdriver/cdp/domains"
	"github.com/grafana/cdpdriver/keyboard"
)

// Keyboard synthesizes key events on one target.
type Keyboard struct {
	input domains.Input

	mu          sync.Mutex
	layout      keyboard.Layout
	modifiers   keyboard.ModifierKey // like shift, alt, ctrl, ...
	pressedKeys map[int64]bool       // tracks keys through down() and up()
}

// NewKeyboard returns a keyboard with the layout of lang.
func NewKeyboard(in domains.Input, lang string) *Keyboard {
	return &Keyboard{
		input:       in,
		pressedKeys: make(map[int64]bool),
		layout:      keyboard.LayoutFor(lang),
	}
}

// Down sends a key down event.
func (k *Keyboard) Down(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.down(ctx, key)
}

// Up sends a key up event.
func (k *Keyboard) Up(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.up(ctx, key)
}

// Press sends a key down followed by a key up event.
func (k *Keyboard) Press(ctx context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.press(ctx, key)
}

// InsertText inserts text without dispatching key events.
func (k *Keyboard) InsertText(ctx context.Context, text string) error {
	return k.input.InsertText(ctx, text)
}

// Type presses a key for each character of text that the layout knows and
// inserts the others as text. delay is waited before every character.
func (k *Keyboard) Type(ctx context.Context, text string, delay time.Duration) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	for _, c := range text {
		if delay > 0 {
			if err := sleep(ctx, delay); err != nil {
				return err
			}
		}
		if k.layout.IsValidKey(keyboard.Key(c)) {
			if err := k.press(ctx, string(c)); err != nil {
				return fmt.Errorf("pressing key %q: %w", c, err)
			}
			continue
		}
		if err := k.input.InsertText(ctx, string(c)); err != nil {
			return fmt.Errorf("inserting %q: %w", c, err)
		}
	}

	return nil
}

func (k *Keyboard) down(ctx context.Context, key string) error {
	keyInput := keyboard.Key(key)
	if !k.layout.IsValidKey(keyInput) {
		return fmt.Errorf("%q is not a valid key for layout %q", key, k.layout.Name)
	}

	keyDef := k.layout.ModifiedKeyDefinition(keyInput, k.modifiers)
	k.modifiers |= k.layout.ModifierBitFromKey(keyDef.Key)
	_, autoRepeat := k.pressedKeys[keyDef.KeyCode]
	k.pressedKeys[keyDef.KeyCode] = true

	keyType := input.KeyDown
	if keyDef.Text == "" {
		keyType = input.KeyRawDown
	}

	return k.input.DispatchKeyEvent(ctx, domains.KeyEvent{
		Type:       keyType,
		Key:        keyDef.Key,
		Code:       keyDef.Code,
		Text:       keyDef.Text,
		KeyCode:    keyDef.KeyCode,
		Location:   keyDef.Location,
		Modifiers:  input.Modifier(k.modifiers),
		AutoRepeat: autoRepeat,
	})
}

func (k *Keyboard) up(ctx context.Context, key string) error {
	keyInput := keyboard.Key(key)
	if !k.layout.IsValidKey(keyInput) {
		return fmt.Errorf("%q is not a valid key for layout %q", key, k.layout.Name)
	}

	keyDef := k.layout.ModifiedKeyDefinition(keyInput, k.modifiers)
	k.modifiers &= ^k.layout.ModifierBitFromKey(keyDef.Key)
	delete(k.pressedKeys, keyDef.KeyCode)

	return k.input.DispatchKeyEvent(ctx, domains.KeyEvent{
		Type:      input.KeyUp,
		Key:       keyDef.Key,
		Code:      keyDef.Code,
		KeyCode:   keyDef.KeyCode,
		Location:  keyDef.Location,
		Modifiers: input.Modifier(k.modifiers),
	})
}

func (k *Keyboard) press(ctx context.Context, key string) error {
	if err := k.down(ctx, key); err != nil {
		return fmt.Errorf("key down: %w", err)
	}
	if err := k.up(ctx, key); err != nil {
		return fmt.Errorf("key up: %w", err)
	}
	return nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
