package service

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dushixiang/procmon/internal/models"
	"github.com/dushixiang/procmon/internal/repo"
	"github.com/go-playground/locales/zh"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	zh_translations "github.com/go-playground/validator/v10/translations/zh"
	"go.uber.org/zap"
)

// MaxProcessNameLength 进程名最大长度（超出截断）
const MaxProcessNameLength = 512

var errNotCoercible = errors.New("value is not coercible")

// snapshotTimeLayouts 采集时间支持的格式，不带时区的按 UTC 处理
var snapshotTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
	"2006-01-02",
}

// hostInput 主机信息的校验结构
type hostInput struct {
	Hostname       string   `json:"hostname" validate:"required,max=255"`
	OS             *string  `json:"os" validate:"omitempty,max=255"`
	Processor      *string  `json:"processor" validate:"omitempty,max=255"`
	PhysicalCores  *int64   `json:"physical_cores" validate:"omitempty,min=0"`
	LogicalCores   *int64   `json:"logical_cores" validate:"omitempty,min=0"`
	RAMTotalGB     *float64 `json:"ram_total_gb" validate:"omitempty,finite"`
	RAMUsedGB      *float64 `json:"ram_used_gb" validate:"omitempty,finite"`
	RAMAvailableGB *float64 `json:"ram_available_gb" validate:"omitempty,finite"`
	DiskTotalGB    *float64 `json:"disk_total_gb" validate:"omitempty,finite"`
	DiskUsedGB     *float64 `json:"disk_used_gb" validate:"omitempty,finite"`
	DiskFreeGB     *float64 `json:"disk_free_gb" validate:"omitempty,finite"`
}

// hostColumns 可合并的主机列（键名与列名一致），顺序决定 upsert 的更新列顺序
var hostColumns = []struct {
	key string
	set func(in *hostInput, v interface{}) error
}{
	{"os", func(in *hostInput, v interface{}) (err error) { in.OS, err = coerceNullableString(v); return }},
	{"processor", func(in *hostInput, v interface{}) (err error) { in.Processor, err = coerceNullableString(v); return }},
	{"physical_cores", func(in *hostInput, v interface{}) (err error) { in.PhysicalCores, err = coerceCount(v); return }},
	{"logical_cores", func(in *hostInput, v interface{}) (err error) { in.LogicalCores, err = coerceCount(v); return }},
	{"ram_total_gb", func(in *hostInput, v interface{}) (err error) { in.RAMTotalGB, err = coerceNullableFloat(v); return }},
	{"ram_used_gb", func(in *hostInput, v interface{}) (err error) { in.RAMUsedGB, err = coerceNullableFloat(v); return }},
	{"ram_available_gb", func(in *hostInput, v interface{}) (err error) { in.RAMAvailableGB, err = coerceNullableFloat(v); return }},
	{"disk_total_gb", func(in *hostInput, v interface{}) (err error) { in.DiskTotalGB, err = coerceNullableFloat(v); return }},
	{"disk_used_gb", func(in *hostInput, v interface{}) (err error) { in.DiskUsedGB, err = coerceNullableFloat(v); return }},
	{"disk_free_gb", func(in *hostInput, v interface{}) (err error) { in.DiskFreeGB, err = coerceNullableFloat(v); return }},
}

// ValidEntry 通过校验的快照条目
type ValidEntry struct {
	Host         repo.HostFields
	SnapshotTime time.Time
	Processes    []models.Process
	Dropped      int // 被丢弃的进程数
}

// ValidationResult 校验结果
type ValidationResult struct {
	Entries []ValidEntry
	Skipped int // 被跳过的条目数
}

// SnapshotValidator 快照校验（纯函数，不访问数据库）
type SnapshotValidator struct {
	logger   *zap.Logger
	validate *validator.Validate
	trans    ut.Translator
}

func NewSnapshotValidator(logger *zap.Logger) *SnapshotValidator {
	zhLocale := zh.New()
	uni := ut.New(zhLocale, zhLocale)
	trans, _ := uni.GetTranslator("zh")

	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = validate.RegisterValidation("finite", func(fl validator.FieldLevel) bool {
		f := fl.Field().Float()
		return !math.IsNaN(f) && !math.IsInf(f, 0)
	})
	if err := zh_translations.RegisterDefaultTranslations(validate, trans); err != nil {
		logger.Warn("注册校验翻译失败", zap.Error(err))
	}
	_ = validate.RegisterTranslation("finite", trans, func(ut ut.Translator) error {
		return ut.Add("finite", "{0}必须是有限数值", true)
	}, func(ut ut.Translator, fe validator.FieldError) string {
		t, _ := ut.T("finite", fe.Field())
		return t
	})

	return &SnapshotValidator{
		logger:   logger,
		validate: validate,
		trans:    trans,
	}
}

// Validate 校验全部条目，无效条目跳过，无效进程丢弃
func (v *SnapshotValidator) Validate(entries []json.RawMessage, now time.Time) *ValidationResult {
	result := &ValidationResult{}
	for i, raw := range entries {
		entry, err := v.validateEntry(raw, now)
		if err != nil {
			result.Skipped++
			v.logger.Warn("skip snapshot entry", zap.Int("index", i), zap.Error(err))
			continue
		}
		if entry.Dropped > 0 {
			v.logger.Debug("dropped invalid processes",
				zap.String("hostname", entry.Host.Host.Hostname),
				zap.Int("dropped", entry.Dropped))
		}
		result.Entries = append(result.Entries, *entry)
	}
	return result
}

func (v *SnapshotValidator) validateEntry(raw json.RawMessage, now time.Time) (*ValidEntry, error) {
	var entry map[string]json.RawMessage
	if err := decodeJSON(raw, &entry); err != nil || entry == nil {
		return nil, fmt.Errorf("条目必须是 JSON 对象")
	}

	var hostDetails map[string]json.RawMessage
	if err := decodeJSON(entry["hostdetails"], &hostDetails); err != nil || hostDetails == nil {
		return nil, fmt.Errorf("缺少 hostdetails")
	}
	// 数字主机名按原文转为字符串
	var rawHostname interface{}
	if err := decodeJSON(hostDetails["hostname"], &rawHostname); err != nil {
		return nil, fmt.Errorf("缺少 hostname")
	}
	coerced, err := coerceNullableString(rawHostname)
	if err != nil || coerced == nil || *coerced == "" {
		return nil, fmt.Errorf("缺少 hostname")
	}
	hostname := *coerced

	var snapshotTime interface{}
	if rawTime, ok := entry["snapshot_time"]; ok {
		if err := decodeJSON(rawTime, &snapshotTime); err != nil {
			return nil, fmt.Errorf("snapshot_time 无法解析: %w", err)
		}
	}
	if !truthy(snapshotTime) {
		return nil, fmt.Errorf("缺少 snapshot_time")
	}

	host, err := v.validateHost(hostname, hostDetails)
	if err != nil {
		return nil, fmt.Errorf("主机 %s 信息无效: %w", hostname, err)
	}

	processes, dropped := CoerceProcesses(entry["processes"])

	return &ValidEntry{
		Host:         *host,
		SnapshotTime: ParseSnapshotTime(snapshotTime, now),
		Processes:    processes,
		Dropped:      dropped,
	}, nil
}

func (v *SnapshotValidator) validateHost(hostname string, details map[string]json.RawMessage) (*repo.HostFields, error) {
	input := hostInput{Hostname: hostname}
	var columns []string
	for _, column := range hostColumns {
		raw, ok := details[column.key]
		if !ok {
			continue
		}
		var value interface{}
		if err := decodeJSON(raw, &value); err != nil {
			return nil, fmt.Errorf("%s: %w", column.key, err)
		}
		if err := column.set(&input, value); err != nil {
			return nil, fmt.Errorf("%s: %w", column.key, err)
		}
		columns = append(columns, column.key)
	}

	if err := v.validate.Struct(&input); err != nil {
		var validationErrors validator.ValidationErrors
		if errors.As(err, &validationErrors) {
			messages := make([]string, 0, len(validationErrors))
			for _, fe := range validationErrors {
				messages = append(messages, fe.Translate(v.trans))
			}
			return nil, errors.New(strings.Join(messages, "; "))
		}
		return nil, err
	}

	return &repo.HostFields{
		Host: models.Host{
			Hostname:       input.Hostname,
			OS:             input.OS,
			Processor:      input.Processor,
			PhysicalCores:  input.PhysicalCores,
			LogicalCores:   input.LogicalCores,
			RAMTotalGB:     input.RAMTotalGB,
			RAMUsedGB:      input.RAMUsedGB,
			RAMAvailableGB: input.RAMAvailableGB,
			DiskTotalGB:    input.DiskTotalGB,
			DiskUsedGB:     input.DiskUsedGB,
			DiskFreeGB:     input.DiskFreeGB,
		},
		Columns: columns,
	}, nil
}

// ParseSnapshotTime 解析采集时间并统一为 UTC，失败或非字符串时使用接收时间
func ParseSnapshotTime(value interface{}, now time.Time) time.Time {
	s, ok := value.(string)
	if !ok {
		return now
	}
	if t, ok := parseTime(s); ok {
		return t
	}
	return now
}

func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range snapshotTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// CoerceProcesses 逐个转换进程，无法转换的丢弃；processes 不是数组时视为空
func CoerceProcesses(raw json.RawMessage) ([]models.Process, int) {
	var items []json.RawMessage
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, 0
	}
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, 0
	}

	processes := make([]models.Process, 0, len(items))
	dropped := 0
	for _, item := range items {
		process, err := coerceProcess(item)
		if err != nil {
			dropped++
			continue
		}
		processes = append(processes, *process)
	}
	return processes, dropped
}

func coerceProcess(raw json.RawMessage) (*models.Process, error) {
	var fields map[string]interface{}
	if err := decodeJSON(raw, &fields); err != nil || fields == nil {
		return nil, errNotCoercible
	}

	pid, err := coerceInt(lookup(fields, 0, "pid"))
	if err != nil {
		return nil, err
	}
	ppid, err := coerceInt(lookup(fields, 0, "ppid"))
	if err != nil {
		return nil, err
	}
	name, err := coerceName(lookup(fields, "", "name"))
	if err != nil {
		return nil, err
	}
	cpuPercent, err := coerceFloat(lookup(fields, 0.0, "cpu_percent", "cpu"))
	if err != nil {
		return nil, err
	}
	rssBytes, err := coerceInt(lookup(fields, 0, "rss_bytes", "memory_rss"))
	if err != nil {
		return nil, err
	}

	return &models.Process{
		PID:        pid,
		PPID:       ppid,
		Name:       name,
		CPUPercent: cpuPercent,
		RSSBytes:   rssBytes,
	}, nil
}

// lookup 按顺序查找第一个存在的键（值为 null 也算存在）
func lookup(fields map[string]interface{}, fallback interface{}, keys ...string) interface{} {
	for _, key := range keys {
		if v, ok := fields[key]; ok {
			return v
		}
	}
	return fallback
}

func coerceInt(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return 0, errNotCoercible
		}
		return truncate(f)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
		if err != nil {
			return 0, errNotCoercible
		}
		return i, nil
	default:
		return 0, errNotCoercible
	}
}

func truncate(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f >= math.MaxInt64 || f <= math.MinInt64 {
		return 0, errNotCoercible
	}
	return int64(f), nil
}

func coerceFloat(v interface{}) (float64, error) {
	var f float64
	switch x := v.(type) {
	case float64:
		f = x
	case int:
		f = float64(x)
	case bool:
		if x {
			f = 1
		}
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, errNotCoercible
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, errNotCoercible
		}
		f = parsed
	default:
		return 0, errNotCoercible
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errNotCoercible
	}
	return f, nil
}

func coerceName(v interface{}) (string, error) {
	var name string
	switch x := v.(type) {
	case string:
		name = x
	case json.Number:
		name = x.String()
	default:
		return "", errNotCoercible
	}
	if utf8.RuneCountInString(name) > MaxProcessNameLength {
		name = string([]rune(name)[:MaxProcessNameLength])
	}
	return name, nil
}

func coerceNullableString(v interface{}) (*string, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return &x, nil
	case json.Number:
		s := x.String()
		return &s, nil
	default:
		return nil, errNotCoercible
	}
}

// coerceCount 核数：整数或整数字符串
func coerceCount(v interface{}) (*int64, error) {
	var text string
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		text = x.String()
	case string:
		text = strings.TrimSpace(x)
	default:
		return nil, errNotCoercible
	}
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return &i, nil
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || f != math.Trunc(f) {
		return nil, errNotCoercible
	}
	i, err := truncate(f)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func coerceNullableFloat(v interface{}) (*float64, error) {
	var text string
	switch x := v.(type) {
	case nil:
		return nil, nil
	case json.Number:
		text = x.String()
	case string:
		text = strings.TrimSpace(x)
	default:
		return nil, errNotCoercible
	}
	f, err := strconv.ParseFloat(text, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return nil, errNotCoercible
	}
	return &f, nil
}

// truthy 值是否为"非空"（null、空串、0、false、空数组/对象均为空）
func truthy(v interface{}) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return x != ""
	case bool:
		return x
	case json.Number:
		f, err := x.Float64()
		return err != nil || f != 0
	case []interface{}:
		return len(x) > 0
	case map[string]interface{}:
		return len(x) > 0
	default:
		return true
	}
}
