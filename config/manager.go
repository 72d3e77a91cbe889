package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sugawarayuuta/sonnet"
)

// Manager is a flat key/value view of layered configuration. Nested JSON
// objects become dotted keys ("tls.cert").
type Manager struct {
	values map[string]any
	mu     sync.RWMutex

	// Watchers for configuration changes
	watchers map[string][]func(string, any)
}

// NewManager creates a new configuration manager
func NewManager() *Manager {
	return &Manager{
		values:   make(map[string]any),
		watchers: make(map[string][]func(string, any)),
	}
}

// Set sets a configuration value and notifies its watchers.
func (m *Manager) Set(key string, value any) {
	m.mu.Lock()
	m.values[key] = value
	watchers := append(([]func(string, any))(nil), m.watchers[key]...)
	m.mu.Unlock()

	for _, watcher := range watchers {
		watcher(key, value)
	}
}

// Get gets a configuration value
func (m *Manager) Get(key string) (any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	value, exists := m.values[key]
	return value, exists
}

// GetString gets a string configuration value
func (m *Manager) GetString(key string, defaultValue ...string) string {
	if value, exists := m.Get(key); exists {
		if str, ok := value.(string); ok {
			return str
		}
		return fmt.Sprint(value)
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return ""
}

// GetInt gets an integer configuration value
func (m *Manager) GetInt(key string, defaultValue ...int) int {
	if value, exists := m.Get(key); exists {
		if i, ok := toInt(value); ok {
			return int(i)
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return 0
}

// GetBool gets a boolean configuration value
func (m *Manager) GetBool(key string, defaultValue ...bool) bool {
	if value, exists := m.Get(key); exists {
		if b, ok := toBool(value); ok {
			return b
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return false
}

// GetDuration gets a duration configuration value. Bare numbers are
// milliseconds.
func (m *Manager) GetDuration(key string, defaultValue ...time.Duration) time.Duration {
	if value, exists := m.Get(key); exists {
		if d, ok := toDuration(value); ok {
			return d
		}
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return 0
}

// Watch registers callback for changes to key.
func (m *Manager) Watch(key string, callback func(string, any)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.watchers[key] = append(m.watchers[key], callback)
}

// LoadFromEnv loads every variable starting with prefix. PREFIX_TLS_CERT
// becomes "tls.cert".
func (m *Manager) LoadFromEnv(prefix string) {
	m.loadFromEnviron(prefix, os.Environ())
}

func (m *Manager) loadFromEnviron(prefix string, environ []string) {
	for _, env := range environ {
		key, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if prefix != "" {
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			key = strings.TrimPrefix(strings.TrimPrefix(key, prefix), "_")
		}
		if key == "" {
			continue
		}
		key = strings.ReplaceAll(strings.ToLower(key), "_", ".")
		m.Set(key, value)
	}
}

// LoadFromJSON loads configuration from JSON file
func (m *Manager) LoadFromJSON(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var values map[string]any
	if err := sonnet.Unmarshal(data, &values); err != nil {
		return fmt.Errorf("failed to parse JSON config %s: %w", filename, err)
	}

	m.loadFromMap("", values)
	return nil
}

// loadFromMap recursively loads configuration from a map
func (m *Manager) loadFromMap(prefix string, values map[string]any) {
	for key, value := range values {
		fullKey := key
		if prefix != "" {
			fullKey = prefix + "." + key
		}
		if nested, ok := value.(map[string]any); ok {
			m.loadFromMap(fullKey, nested)
		} else {
			m.Set(fullKey, value)
		}
	}
}

// Unmarshal copies values into the fields of the struct target points to.
// A field's key is its `config` tag, or its lower-cased name.
func (m *Manager) Unmarshal(prefix string, target any) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	targetValue := reflect.ValueOf(target)
	if targetValue.Kind() != reflect.Ptr || targetValue.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("target must be a pointer to struct")
	}
	targetValue = targetValue.Elem()
	targetType := targetValue.Type()

	for i := 0; i < targetType.NumField(); i++ {
		field := targetType.Field(i)
		fieldValue := targetValue.Field(i)
		if !fieldValue.CanSet() {
			continue
		}

		configKey := field.Tag.Get("config")
		if configKey == "-" {
			continue
		}
		if configKey == "" {
			configKey = strings.ToLower(field.Name)
		}
		if prefix != "" {
			configKey = prefix + "." + configKey
		}

		value, exists := m.values[configKey]
		if !exists {
			continue
		}
		if err := setFieldValue(fieldValue, value); err != nil {
			return fmt.Errorf("config key %s: %w", configKey, err)
		}
	}
	return nil
}

// setFieldValue sets a reflect.Value from a loosely typed value
func setFieldValue(field reflect.Value, value any) error {
	if field.Type() == reflect.TypeOf(time.Duration(0)) {
		d, ok := toDuration(value)
		if !ok {
			return fmt.Errorf("cannot use %v as a duration", value)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		if str, ok := value.(string); ok {
			field.SetString(str)
		} else {
			field.SetString(fmt.Sprint(value))
		}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, ok := toInt(value)
		if !ok {
			return fmt.Errorf("cannot use %v as an integer", value)
		}
		field.SetInt(i)
	case reflect.Bool:
		b, ok := toBool(value)
		if !ok {
			return fmt.Errorf("cannot use %v as a boolean", value)
		}
		field.SetBool(b)
	default:
		v := reflect.ValueOf(value)
		if !v.Type().ConvertibleTo(field.Type()) {
			return fmt.Errorf("cannot convert %v to %v", v.Type(), field.Type())
		}
		field.Set(v.Convert(field.Type()))
	}
	return nil
}

func toInt(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return i, err == nil
	}
	return 0, false
}

func toBool(value any) (bool, bool) {
	switch v := value.(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(v) {
		case "true", "yes", "1", "on":
			return true, true
		case "false", "no", "0", "off", "":
			return false, true
		}
	case int:
		return v != 0, true
	case float64:
		return v != 0, true
	}
	return false, false
}

func toDuration(value any) (time.Duration, bool) {
	switch v := value.(type) {
	case time.Duration:
		return v, true
	case string:
		if d, err := time.ParseDuration(v); err == nil {
			return d, true
		}
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			return time.Duration(ms) * time.Millisecond, true
		}
	case int:
		return time.Duration(v) * time.Millisecond, true
	case int64:
		return time.Duration(v) * time.Millisecond, true
	case float64:
		return time.Duration(v) * time.Millisecond, true
	}
	return 0, false
}

// GetAll returns all configuration values
func (m *Manager) GetAll() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]any, len(m.values))
	for k, v := range m.values {
		result[k] = v
	}
	return result
}

// Delete deletes a configuration value
func (m *Manager) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
}
