package secrets

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/tidwall/jsonc"
)

// Exchange config blocks that carry a copy of the credentials besides exchange.key/secret.
var ccxtBlocks = []string{"ccxt_config", "ccxt_async_config"}

type document map[string]any

func parse(data []byte) (document, error) {
	var doc document
	if err := json.Unmarshal(jsonc.ToJSON(data), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if doc == nil {
		doc = document{}
	}
	return doc, nil
}

func (d document) encode() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "    ")
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return buf.Bytes(), nil
}

func (d document) exchange(create bool) map[string]any {
	ex, ok := d["exchange"].(map[string]any)
	if !ok && create {
		ex = map[string]any{}
		d["exchange"] = ex
	}
	return ex
}

func section(d document, name string) map[string]any {
	s, ok := d[name].(map[string]any)
	if !ok {
		s = map[string]any{}
		d[name] = s
	}
	return s
}

func setIfDiffers(m map[string]any, key, want string) bool {
	if cur, ok := m[key].(string); ok && cur == want {
		return false
	}
	m[key] = want
	return true
}

// Scrub replaces every credential field in a template with its placeholder.
func Scrub(data []byte) ([]byte, bool, error) {
	doc, err := parse(data)
	if err != nil {
		return nil, false, err
	}

	ex := doc.exchange(true)
	changed := setIfDiffers(ex, "key", PlaceholderAPIKey)
	changed = setIfDiffers(ex, "secret", PlaceholderSecret) || changed
	for _, name := range ccxtBlocks {
		block, ok := ex[name].(map[string]any)
		if !ok {
			continue
		}
		if v, ok := block["apiKey"]; ok && v != PlaceholderAPIKey {
			block["apiKey"] = PlaceholderAPIKey
			changed = true
		}
		if v, ok := block["secret"]; ok && v != PlaceholderSecret {
			block["secret"] = PlaceholderSecret
			changed = true
		}
	}

	if !changed {
		return data, false, nil
	}
	out, err := doc.encode()
	return out, true, err
}

// ScrubFile rewrites path in place only when it held something other than placeholders.
func ScrubFile(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("failed to read template: %w", err)
	}
	out, changed, err := Scrub(data)
	if err != nil || !changed {
		return false, err
	}
	if err := writeAtomic(path, out, 0o644); err != nil {
		return false, err
	}
	return true, nil
}

type TemplateParams struct {
	BotName       string
	DBURL         string
	LogFile       string
	UserDataDir   string
	StrategyPath  string
	ContainerPort int
}

// Render builds a user template from the shared base template.
func Render(base []byte, p TemplateParams) ([]byte, error) {
	doc, err := parse(base)
	if err != nil {
		return nil, err
	}

	ex := doc.exchange(true)
	ex["key"] = PlaceholderAPIKey
	ex["secret"] = PlaceholderSecret

	doc["bot_name"] = p.BotName
	doc["db_url"] = p.DBURL
	doc["logfile"] = p.LogFile
	if p.UserDataDir != "" {
		doc["user_data_dir"] = p.UserDataDir
	}
	if p.StrategyPath != "" {
		doc["strategy_path"] = p.StrategyPath
	}

	api := section(doc, "api_server")
	api["enabled"] = true
	api["listen_ip_address"] = "0.0.0.0"
	api["listen_port"] = p.ContainerPort

	out, err := doc.encode()
	if err != nil {
		return nil, err
	}
	out, _, err = Scrub(out)
	return out, err
}

// Merge injects credentials into every location the trading engine reads them from.
func Merge(template []byte, c Credentials) ([]byte, error) {
	if !c.Complete() {
		return nil, ErrCredentialsAbsent
	}
	doc, err := parse(template)
	if err != nil {
		return nil, err
	}

	ex := doc.exchange(true)
	ex["key"] = c.APIKey
	ex["secret"] = c.Secret
	for _, name := range ccxtBlocks {
		if block, ok := ex[name].(map[string]any); ok {
			block["apiKey"] = c.APIKey
			block["secret"] = c.Secret
		}
	}
	return doc.encode()
}

// Verify checks that a merged runtime config holds exactly the injected credentials.
func Verify(runtime []byte, c Credentials) error {
	doc, err := parse(runtime)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	ex := doc.exchange(false)
	if ex == nil {
		return fmt.Errorf("%w: exchange section missing", ErrVerificationFailed)
	}
	if ex["key"] != c.APIKey {
		return fmt.Errorf("%w: exchange.key is %s", ErrVerificationFailed, describe(ex["key"]))
	}
	if ex["secret"] != c.Secret {
		return fmt.Errorf("%w: exchange.secret is %s", ErrVerificationFailed, describe(ex["secret"]))
	}
	for _, name := range ccxtBlocks {
		block, ok := ex[name].(map[string]any)
		if !ok {
			continue
		}
		if block["apiKey"] != c.APIKey || block["secret"] != c.Secret {
			return fmt.Errorf("%w: exchange.%s not injected", ErrVerificationFailed, name)
		}
	}
	return nil
}

func describe(v any) string {
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%T", v)
	}
	return Mask(s)
}

// Materialize merges template into runtimePath and verifies the file it wrote.
// runtimePath must not be the template itself.
func Materialize(templatePath, runtimePath string, c Credentials) error {
	if filepath.Clean(templatePath) == filepath.Clean(runtimePath) {
		return fmt.Errorf("runtime config %s would overwrite the template", runtimePath)
	}

	tmpl, err := os.ReadFile(templatePath)
	if err != nil {
		return fmt.Errorf("failed to read template: %w", err)
	}
	merged, err := Merge(tmpl, c)
	if err != nil {
		return fmt.Errorf("failed to merge credentials: %w", err)
	}
	if err := writeAtomic(runtimePath, merged, 0o600); err != nil {
		return err
	}

	written, err := os.ReadFile(runtimePath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return Verify(written, c)
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".botfleet-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
