package browser

import (
	"context"
	"fmt"

	"github.com/entrhq/queuepause/pkg/submit"
)

// replayScript submits one live queue form into a hidden frame and reports
// what the frame loaded. It finds the form by origin-resolved path+query,
// uses the exact control as submitter, and refuses anything delete-named.
const replayScript = `async (req) => {
  const isDelete = (s) => /delete/i.test(s || '');
  const keyOf = (form) => {
    try {
      const u = new URL(form.getAttribute('action') || '', location.href);
      if (u.origin !== location.origin) return null;
      return u.pathname + u.search;
    } catch (e) {
      return null;
    }
  };

  const form = Array.from(document.querySelectorAll('form')).find((f) => keyOf(f) === req.key);
  if (!form) return { found: false };

  const submitter = Array.from(form.querySelectorAll('button, input[type=submit], input[type=image]'))
    .find((c) => c.name === req.controlName && (c.value || '') === req.controlValue);
  if (!submitter) return { found: true, missingControl: true };
  if (isDelete(submitter.name)) return { found: true, refused: 'control ' + submitter.name };
  for (const el of Array.from(form.elements)) {
    const type = (el.type || '').toLowerCase();
    if (el.name && isDelete(el.name) && !['submit', 'image', 'button', 'reset'].includes(type)) {
      return { found: true, refused: 'form carries field ' + el.name };
    }
  }

  let frame = document.getElementById(req.frameName);
  if (!frame) {
    frame = document.createElement('iframe');
    frame.id = req.frameName;
    frame.name = req.frameName;
    frame.setAttribute('aria-hidden', 'true');
    frame.tabIndex = -1;
    frame.style.cssText = 'position:absolute;left:-10000px;top:0;width:1px;height:1px;border:0;visibility:hidden;';
    document.body.appendChild(frame);
  }

  const loaded = new Promise((resolve) => {
    const timer = setTimeout(() => resolve(false), req.timeoutMs);
    frame.addEventListener('load', () => { clearTimeout(timer); resolve(true); }, { once: true });
  });

  const previous = form.getAttribute('target');
  form.setAttribute('target', req.frameName);
  try {
    if (typeof form.requestSubmit === 'function') {
      form.requestSubmit(submitter);
    } else {
      submitter.click();
    }
  } finally {
    if (previous === null) form.removeAttribute('target');
    else form.setAttribute('target', previous);
  }

  if (!(await loaded)) return { found: true, timedOut: true };

  try {
    const doc = frame.contentDocument;
    return {
      found: true,
      url: frame.contentWindow.location.href,
      html: doc && doc.documentElement ? doc.documentElement.outerHTML : '',
    };
  } catch (e) {
    return { found: true, crossOrigin: true };
  }
}`

// ReplayForm implements submit.FormReplayer.
func (s *Session) ReplayForm(ctx context.Context, req submit.ReplayRequest) (submit.ReplayResult, error) {
	if err := ctx.Err(); err != nil {
		return submit.ReplayResult{}, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = submit.DefaultNativeTimeout
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateLastUsed()

	v, err := s.Page.Evaluate(replayScript, map[string]interface{}{
		"key":          req.ActionPathKey,
		"controlName":  req.ControlName,
		"controlValue": req.ControlValue,
		"frameName":    s.frameName,
		"timeoutMs":    timeout.Milliseconds(),
	})
	if err != nil {
		return submit.ReplayResult{}, fmt.Errorf("native replay failed: %w", err)
	}
	return parseReplayResult(v)
}

func parseReplayResult(v interface{}) (submit.ReplayResult, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return submit.ReplayResult{}, fmt.Errorf("unexpected replay result %T", v)
	}

	if found, _ := m["found"].(bool); !found {
		return submit.ReplayResult{}, submit.ErrFormNotFound
	}
	if missing, _ := m["missingControl"].(bool); missing {
		return submit.ReplayResult{}, fmt.Errorf("%w: control not present", submit.ErrFormNotFound)
	}
	if refused, _ := m["refused"].(string); refused != "" {
		return submit.ReplayResult{}, fmt.Errorf("%w: %s", submit.ErrDeleteControl, refused)
	}

	res := submit.ReplayResult{}
	res.TimedOut, _ = m["timedOut"].(bool)
	res.CrossOrigin, _ = m["crossOrigin"].(bool)
	res.URL, _ = m["url"].(string)
	res.HTML, _ = m["html"].(string)
	return res, nil
}
