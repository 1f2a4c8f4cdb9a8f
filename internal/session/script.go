package session

import (
	"encoding/json"
	"fmt"
)

// Script is a JavaScript function applied to arguments. Arguments are
// never spliced into the function source; Expression encodes them as a
// JSON array literal.
type Script struct {
	Function string
	Args     []any
}

// Expression renders the script as a self-invoking expression.
func (s Script) Expression() (string, error) {
	args := s.Args
	if args == nil {
		args = []any{}
	}
	// json.Marshal escapes quotes, backslashes, "<", ">", "&", U+2028 and
	// U+2029, so the array is a valid JS literal that cannot close early.
	encoded, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("encode script arguments: %w", err)
	}
	return fmt.Sprintf("(%s).apply(null, %s)", s.Function, encoded), nil
}

const clickFunction = `function (selector) {
	const el = document.querySelector(selector);
	if (!el) throw new Error("Element not found: " + selector);
	el.scrollIntoView({block: "center", inline: "center"});
	el.click();
	return {clicked: selector};
}`

const typeFunction = `function (selector, text) {
	const el = document.querySelector(selector);
	if (!el) throw new Error("Element not found: " + selector);
	el.focus();
	if ("value" in el) {
		el.value = text;
	} else if (el.isContentEditable) {
		el.textContent = text;
	} else {
		throw new Error("Element is not editable: " + selector);
	}
	el.dispatchEvent(new Event("input", {bubbles: true}));
	el.dispatchEvent(new Event("change", {bubbles: true}));
	return {typed: text.length};
}`

const notifyFunction = `function (message) {
	console.warn(message);
	return true;
}`

func ClickScript(selector string) Script {
	return Script{Function: clickFunction, Args: []any{selector}}
}

func TypeScript(selector, text string) Script {
	return Script{Function: typeFunction, Args: []any{selector, text}}
}

func NotifyScript(message string) Script {
	return Script{Function: notifyFunction, Args: []any{message}}
}
