// Package js embeds the JavaScript functions the driver runs in pages.
// Every script is a function expression to be called with arguments.
package js

import (
	_ "embed"
)

// FlashScript draws a fading dot over the center of an element.
// Arguments: element, duration in milliseconds.
//
//go:embed flash.js
var FlashScript string

// SelectOptionScript selects an <option> element and fires the change
// events of its <select>.
//
//go:embed select_option.js
var SelectOptionScript string

// SetValueScript sets the value of a form control and fires its input and
// change events. Arguments: element, value.
//
//go:embed set_value.js
var SetValueScript string

// DownloadFileScript fetches a URL with the page credentials and saves it
// through a download link. Arguments: url, filename.
//
//go:embed download_file.js
var DownloadFileScript string

// LocalStorageScript stores the given items, if any, and returns all of
// the local storage of the page.
//
//go:embed local_storage.js
var LocalStorageScript string
