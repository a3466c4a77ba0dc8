package worker

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dop251/goja"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Endowments is the closed, enumerated set of globals a compartment may
// see. Nothing not listed here is reachable from inside a snap's
// evaluation — there is no reflection-based passthrough of the host's
// globals. Field names match the spec's required-endowments table.
type Endowments struct {
	BigInt    goja.Value // integer bignum constructor
	Buffer    goja.Value // byte-buffer constructor
	Console   goja.Value
	Crypto    goja.Value // platform crypto (getRandomValues)
	Date      goja.Value
	Fetch     goja.Value // bound to worker scope
	Math      goja.Value
	SetTimeout goja.Value
	Subtle    goja.Value // subtle crypto (digest)
	Wallet    goja.Value // the snap provider
	WebSocket goja.Value // constructor
	XHR       goja.Value // XMLHttpRequest constructor
}

// buildEndowments constructs the endowment set for one compartment. log is
// the sink for the console endowment; loop is the per-compartment cooperative
// event loop backing setTimeout; provider is the already-constructed snap
// provider to expose as `wallet`.
func buildEndowments(rt *goja.Runtime, log *zap.Logger, loop *eventLoop, provider goja.Value) (Endowments, error) {
	e := Endowments{
		BigInt:    rt.Get("BigInt"), // goja's own language-level BigInt; re-exposed, not reimplemented
		Date:      rt.Get("Date"),
		Math:      rt.Get("Math"),
		Wallet:    provider,
	}

	buffer, err := buildBufferConstructor(rt)
	if err != nil {
		return e, fmt.Errorf("build Buffer endowment: %w", err)
	}
	e.Buffer = buffer

	e.Console = buildConsole(rt, log)
	e.Crypto = buildCrypto(rt)
	e.Subtle = buildSubtleCrypto(rt)
	e.Fetch = buildFetch(rt, loop)
	e.XHR = buildXHRConstructor(rt, loop)
	e.WebSocket = buildWebSocketConstructor(rt, loop)
	e.SetTimeout = rt.ToValue(func(call goja.FunctionCall) goja.Value {
		return loop.setTimeout(rt, call)
	})

	return e, nil
}

// install copies every endowment field into rt's global object, and mirrors
// the same bindings onto a `window` object so probe code that reads
// `window.X` still works.
func (e Endowments) install(rt *goja.Runtime) error {
	bindings := map[string]goja.Value{
		"BigInt":      e.BigInt,
		"Buffer":      e.Buffer,
		"console":     e.Console,
		"crypto":      e.Crypto,
		"Date":        e.Date,
		"fetch":       e.Fetch,
		"Math":        e.Math,
		"setTimeout":  e.SetTimeout,
		"wallet":      e.Wallet,
		"WebSocket":   e.WebSocket,
		"XMLHttpRequest": e.XHR,
	}

	window := rt.NewObject()
	for name, v := range bindings {
		if v == nil {
			continue
		}
		if err := rt.Set(name, v); err != nil {
			return fmt.Errorf("set global %q: %w", name, err)
		}
		if err := window.Set(name, v); err != nil {
			return fmt.Errorf("set window.%s: %w", name, err)
		}
	}
	// crypto.subtle lives under the crypto endowment, matching the
	// platform API shape snaps expect (crypto.subtle.digest(...)).
	if cryptoObj, ok := e.Crypto.(*goja.Object); ok && e.Subtle != nil {
		cryptoObj.Set("subtle", e.Subtle)
	}
	return rt.Set("window", window)
}

func buildConsole(rt *goja.Runtime, log *zap.Logger) goja.Value {
	obj := rt.NewObject()
	logFn := func(level func(msg string, fields ...zap.Field)) func(goja.FunctionCall) goja.Value {
		return func(call goja.FunctionCall) goja.Value {
			args := make([]interface{}, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = a.Export()
			}
			level(fmt.Sprint(args...))
			return goja.Undefined()
		}
	}
	obj.Set("log", logFn(func(msg string, _ ...zap.Field) { log.Info(msg) }))
	obj.Set("warn", logFn(func(msg string, _ ...zap.Field) { log.Warn(msg) }))
	obj.Set("error", logFn(func(msg string, _ ...zap.Field) { log.Error(msg) }))
	obj.Set("info", logFn(func(msg string, _ ...zap.Field) { log.Info(msg) }))
	return obj
}

func buildCrypto(rt *goja.Runtime) goja.Value {
	obj := rt.NewObject()
	obj.Set("getRandomValues", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(rt.NewTypeError("getRandomValues requires a typed array"))
		}
		length := int(call.Arguments[0].ToObject(rt).Get("length").ToInteger())
		buf := make([]byte, length)
		if _, err := io.ReadFull(rand.Reader, buf); err != nil {
			panic(rt.NewGoError(err))
		}
		arr := call.Arguments[0].ToObject(rt)
		for i, b := range buf {
			arr.Set(fmt.Sprint(i), b)
		}
		return call.Arguments[0]
	})
	return obj
}

func buildSubtleCrypto(rt *goja.Runtime) goja.Value {
	obj := rt.NewObject()
	obj.Set("digest", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) < 2 {
			panic(rt.NewTypeError("digest(algorithm, data) requires two arguments"))
		}
		algo := call.Arguments[0].String()
		data := []byte(call.Arguments[1].String())
		var sum [32]byte
		switch algo {
		case "SHA-256", "sha-256", "sha256":
			sum = sha256.Sum256(data)
		default:
			panic(rt.NewTypeError("unsupported digest algorithm: " + algo))
		}
		return rt.ToValue(hex.EncodeToString(sum[:]))
	})
	return obj
}

func buildBufferConstructor(rt *goja.Runtime) (goja.Value, error) {
	ctor := func(call goja.ConstructorCall) *goja.Object {
		size := 0
		if len(call.Arguments) > 0 {
			size = int(call.Arguments[0].ToInteger())
		}
		buf := make([]byte, size)
		obj := rt.NewArrayBuffer(buf)
		return rt.ToValue(obj).(*goja.Object)
	}
	return rt.ToValue(ctor), nil
}

func buildFetch(rt *goja.Runtime, loop *eventLoop) goja.Value {
	client := &http.Client{Timeout: 30 * time.Second}
	return rt.ToValue(func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(rt.NewTypeError("fetch requires a URL"))
		}
		url := call.Arguments[0].String()
		promise, resolve, reject := rt.NewPromise()
		go func() {
			resp, err := client.Get(url)
			loop.schedule(func() {
				if err != nil {
					reject(rt.ToValue(err.Error()))
					return
				}
				defer resp.Body.Close()
				body, _ := io.ReadAll(resp.Body)
				result := rt.NewObject()
				result.Set("status", resp.StatusCode)
				result.Set("ok", resp.StatusCode >= 200 && resp.StatusCode < 300)
				result.Set("text", func(goja.FunctionCall) goja.Value {
					p2, res2, _ := rt.NewPromise()
					res2(rt.ToValue(string(body)))
					return rt.ToValue(p2)
				})
				resolve(result)
			})
		}()
		return rt.ToValue(promise)
	})
}

func buildXHRConstructor(rt *goja.Runtime, loop *eventLoop) goja.Value {
	// A minimal XMLHttpRequest surface: open/send/onload, backed by the
	// same fetch-style client. Real snaps in the wild mostly use fetch;
	// XHR is endowed for compatibility with older snap code.
	ctor := func(call goja.ConstructorCall) *goja.Object {
		obj := call.This
		var method, url string
		var onload goja.Value
		obj.Set("open", func(c goja.FunctionCall) goja.Value {
			if len(c.Arguments) >= 2 {
				method = c.Arguments[0].String()
				url = c.Arguments[1].String()
			}
			return goja.Undefined()
		})
		obj.Set("send", func(c goja.FunctionCall) goja.Value {
			go func() {
				req, _ := http.NewRequest(method, url, nil)
				resp, err := http.DefaultClient.Do(req)
				loop.schedule(func() {
					if err != nil {
						return
					}
					defer resp.Body.Close()
					body, _ := io.ReadAll(resp.Body)
					obj.Set("status", resp.StatusCode)
					obj.Set("responseText", string(body))
					if onload != nil {
						if fn, ok := goja.AssertFunction(onload); ok {
							fn(obj)
						}
					}
				})
			}()
			return goja.Undefined()
		})
		obj.Set("setRequestHeader", func(c goja.FunctionCall) goja.Value { return goja.Undefined() })
		obj.DefineAccessorProperty("onload", rt.ToValue(func(goja.FunctionCall) goja.Value { return rt.ToValue(onload) }),
			rt.ToValue(func(c goja.FunctionCall) goja.Value {
				if len(c.Arguments) > 0 {
					onload = c.Arguments[0]
				}
				return goja.Undefined()
			}), goja.FLAG_TRUE, goja.FLAG_TRUE)
		return nil
	}
	return rt.ToValue(ctor)
}

func buildWebSocketConstructor(rt *goja.Runtime, loop *eventLoop) goja.Value {
	dialer := websocket.DefaultDialer
	ctor := func(call goja.ConstructorCall) *goja.Object {
		obj := call.This
		if len(call.Arguments) == 0 {
			panic(rt.NewTypeError("WebSocket requires a URL"))
		}
		url := call.Arguments[0].String()
		var onmessage, onopen, onclose goja.Value

		obj.DefineDataProperty("onmessage", goja.Undefined(), goja.FLAG_TRUE, goja.FLAG_TRUE, goja.FLAG_TRUE)

		go func() {
			conn, _, err := dialer.DialContext(context.Background(), url, nil)
			if err != nil {
				loop.schedule(func() {
					if onclose != nil {
						if fn, ok := goja.AssertFunction(onclose); ok {
							fn(obj)
						}
					}
				})
				return
			}
			loop.schedule(func() {
				if onopen != nil {
					if fn, ok := goja.AssertFunction(onopen); ok {
						fn(obj)
					}
				}
			})
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				m := msg
				loop.schedule(func() {
					if onmessage != nil {
						if fn, ok := goja.AssertFunction(onmessage); ok {
							fn(obj, rt.ToValue(string(m)))
						}
					}
				})
			}
		}()

		obj.Set("send", func(c goja.FunctionCall) goja.Value { return goja.Undefined() })
		obj.Set("close", func(c goja.FunctionCall) goja.Value { return goja.Undefined() })
		_ = onmessage
		_ = onopen
		_ = onclose
		return nil
	}
	return rt.ToValue(ctor)
}
