package browser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// locate resolves selector without waiting for it to appear.
func locate(p *rod.Page, selector string) (*rod.Element, error) {
	has, el, err := p.Has(selector)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", selector, err)
	}
	if !has {
		return nil, fmt.Errorf("%w: %s", ErrElementNotFound, selector)
	}
	return el, nil
}

// prepare scrolls el into view and checks that it can receive input.
func prepare(el *rod.Element, selector string) error {
	if err := el.ScrollIntoView(); err != nil {
		return fmt.Errorf("%w: %s: scroll: %v", ErrElementNotInteractable, selector, err)
	}

	visible, err := el.Visible()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrElementNotInteractable, selector, err)
	}
	if !visible {
		return fmt.Errorf("%w: %s is hidden", ErrElementNotInteractable, selector)
	}

	disabled, err := el.Disabled()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrElementNotInteractable, selector, err)
	}
	if disabled {
		return fmt.Errorf("%w: %s is disabled", ErrElementNotInteractable, selector)
	}

	return nil
}

// interactionErr reports a step deadline during an action as not interactable.
func interactionErr(selector, action string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %s timed out", ErrElementNotInteractable, selector, action)
	}
	return fmt.Errorf("%s %s: %w", action, selector, err)
}

// Click performs a left click on selector.
func (s *Session) Click(ctx context.Context, selector string) error {
	p, cancel, err := s.step(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	el, err := locate(p, selector)
	if err != nil {
		return err
	}
	if err := prepare(el, selector); err != nil {
		return err
	}

	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return interactionErr(selector, "click", err)
	}
	return nil
}

// Fill replaces the value of an input with value. rod's Input fires input and
// change once each.
func (s *Session) Fill(ctx context.Context, selector, value string) error {
	p, cancel, err := s.step(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	el, err := locate(p, selector)
	if err != nil {
		return err
	}
	if err := prepare(el, selector); err != nil {
		return err
	}

	if _, err := el.Eval(`function () { this.value = ''; }`); err != nil {
		return interactionErr(selector, "clear", err)
	}
	if err := el.Input(value); err != nil {
		return interactionErr(selector, "input", err)
	}
	return nil
}

// SetChecked checks or unchecks a checkbox, clicking only when the state differs.
func (s *Session) SetChecked(ctx context.Context, selector string, checked bool) error {
	p, cancel, err := s.step(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	el, err := locate(p, selector)
	if err != nil {
		return err
	}
	if err := prepare(el, selector); err != nil {
		return err
	}

	current, err := el.Property("checked")
	if err != nil {
		return interactionErr(selector, "read checked", err)
	}
	if current.Bool() == checked {
		return nil
	}

	if err := el.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return interactionErr(selector, "click", err)
	}

	after, err := el.Property("checked")
	if err != nil {
		return interactionErr(selector, "read checked", err)
	}
	if after.Bool() != checked {
		return fmt.Errorf("%w: %s did not change to checked=%s", ErrElementNotInteractable, selector, strconv.FormatBool(checked))
	}
	return nil
}

// Press sends key to selector, or to the document body when selector is "" or "body".
func (s *Session) Press(ctx context.Context, selector, key string) error {
	k, err := ParseKey(key)
	if err != nil {
		return err
	}

	p, cancel, err := s.step(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	if selector == "" || selector == "body" {
		// Keys go to the body only when nothing else holds focus.
		if _, err := p.Eval(`() => {
			const active = document.activeElement;
			if (active && active !== document.body) active.blur();
		}`); err != nil {
			return interactionErr("body", "focus", err)
		}
	} else {
		el, err := locate(p, selector)
		if err != nil {
			return err
		}
		if err := prepare(el, selector); err != nil {
			return err
		}
		if err := el.Focus(); err != nil {
			return interactionErr(selector, "focus", err)
		}
	}

	if err := p.Keyboard.Type(k); err != nil {
		return fmt.Errorf("press %s: %w", key, err)
	}
	return nil
}

// AssertVisible fails with ErrAssertionFailed unless every selector resolves
// to a currently visible element.
func (s *Session) AssertVisible(ctx context.Context, selectors ...string) error {
	p, cancel, err := s.step(ctx)
	if err != nil {
		return err
	}
	defer cancel()

	for _, selector := range selectors {
		has, el, err := p.Has(selector)
		if err != nil {
			return fmt.Errorf("query %s: %w", selector, err)
		}
		if !has {
			return fmt.Errorf("%w: %s is not present", ErrAssertionFailed, selector)
		}

		visible, err := el.Visible()
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrAssertionFailed, selector, err)
		}
		if !visible {
			return fmt.Errorf("%w: %s is not visible", ErrAssertionFailed, selector)
		}
	}
	return nil
}

// WaitVisible polls until selector resolves to a visible element.
// A zero timeout falls back to the step timeout.
func (s *Session) WaitVisible(ctx context.Context, selector string, timeout time.Duration) error {
	p, err := s.current()
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = s.opts.StepTimeout
	}

	err = Poll(ctx, s.opts.PollInterval, timeout, func(ctx context.Context) (bool, error) {
		has, el, err := p.Context(ctx).Has(selector)
		if err != nil || !has {
			return false, err
		}
		return el.Visible()
	})
	if err != nil {
		return fmt.Errorf("%s: %w", selector, err)
	}
	return nil
}

// WaitFor polls a JavaScript expression until it is truthy.
func (s *Session) WaitFor(ctx context.Context, predicate string, timeout time.Duration) error {
	p, err := s.current()
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = s.opts.StepTimeout
	}

	js := fmt.Sprintf(`() => Boolean(%s)`, predicate)
	err = Poll(ctx, s.opts.PollInterval, timeout, func(ctx context.Context) (bool, error) {
		res, err := p.Context(ctx).Eval(js)
		if err != nil {
			return false, err
		}
		return res.Value.Bool(), nil
	})
	if err != nil {
		return fmt.Errorf("predicate %q: %w", predicate, err)
	}
	return nil
}

// Capture renders the page to PNG bytes.
func (s *Session) Capture(ctx context.Context) ([]byte, error) {
	p, cancel, err := s.step(ctx)
	if err != nil {
		return nil, err
	}
	defer cancel()

	data, err := p.Screenshot(s.opts.FullPage, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to take screenshot: %w", err)
	}
	return data, nil
}
