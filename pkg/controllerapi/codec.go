package controllerapi

import "github.com/cuemby/hyac/pkg/types"

// encodeApplication and decodeApplication translate between
// types.Application and the map[string]any shape every db.Collection call
// exchanges, following the field-by-field convention pkg/taskqueue and
// pkg/scheduler use for their own document kinds.
func encodeApplication(app types.Application) map[string]any {
	vars := make([]any, 0, len(app.EnvironmentVariables))
	for _, v := range app.EnvironmentVariables {
		vars = append(vars, map[string]any{"key": v.Key, "value": v.Value})
	}
	deps := make([]any, 0, len(app.CommonDependencies))
	for _, d := range app.CommonDependencies {
		deps = append(deps, map[string]any{"name": d.Name, "version": d.Version})
	}
	return map[string]any{
		"app_id":                app.AppID,
		"app_name":              app.AppName,
		"description":           app.Description,
		"users":                 toAnySlice(app.Users),
		"status":                string(app.Status),
		"db_password":           app.DBPassword,
		"environment_variables": vars,
		"common_dependencies":   deps,
		"cors": map[string]any{
			"allowed_origins": toAnySlice(app.CORS.AllowedOrigins),
			"allowed_methods": toAnySlice(app.CORS.AllowedMethods),
		},
		"notification": map[string]any{
			"enabled":     app.Notification.Enabled,
			"webhook_url": app.Notification.WebhookURL,
		},
		"ai": map[string]any{
			"provider": app.AI.Provider,
			"api_key":  app.AI.APIKey,
		},
		"created_at": app.CreatedAt,
		"updated_at": app.UpdatedAt,
	}
}

func decodeApplication(doc map[string]any) *types.Application {
	app := &types.Application{}
	if v, ok := doc["app_id"].(string); ok {
		app.AppID = v
	}
	if v, ok := doc["app_name"].(string); ok {
		app.AppName = v
	}
	if v, ok := doc["description"].(string); ok {
		app.Description = v
	}
	app.Users = toStringSlice(doc["users"])
	if v, ok := doc["status"].(string); ok {
		app.Status = types.ApplicationStatus(v)
	}
	if v, ok := doc["db_password"].(string); ok {
		app.DBPassword = v
	}
	if raw, ok := doc["common_dependencies"].([]any); ok {
		for _, rv := range raw {
			m, ok := rv.(map[string]any)
			if !ok {
				continue
			}
			name, _ := m["name"].(string)
			version, _ := m["version"].(string)
			app.CommonDependencies = append(app.CommonDependencies, types.Dependency{Name: name, Version: version})
		}
	}
	if raw, ok := doc["environment_variables"].([]any); ok {
		for _, rv := range raw {
			m, ok := rv.(map[string]any)
			if !ok {
				continue
			}
			key, _ := m["key"].(string)
			value, _ := m["value"].(string)
			app.EnvironmentVariables = append(app.EnvironmentVariables, types.EnvironmentVariable{Key: key, Value: value})
		}
	}
	if raw, ok := doc["cors"].(map[string]any); ok {
		app.CORS.AllowedOrigins = toStringSlice(raw["allowed_origins"])
		app.CORS.AllowedMethods = toStringSlice(raw["allowed_methods"])
	}
	if raw, ok := doc["notification"].(map[string]any); ok {
		enabled, _ := raw["enabled"].(bool)
		webhook, _ := raw["webhook_url"].(string)
		app.Notification = types.NotificationConfig{Enabled: enabled, WebhookURL: webhook}
	}
	if raw, ok := doc["ai"].(map[string]any); ok {
		provider, _ := raw["provider"].(string)
		apiKey, _ := raw["api_key"].(string)
		app.AI = types.AIConfig{Provider: provider, APIKey: apiKey}
	}
	return app
}

func encodeFunction(fn types.Function) map[string]any {
	return map[string]any{
		"function_id":     fn.FunctionID,
		"app_id":          fn.AppID,
		"function_name":   fn.FunctionName,
		"function_type":   string(fn.FunctionType),
		"status":          string(fn.Status),
		"code":            fn.Code,
		"tags":            toAnySlice(fn.Tags),
		"timeout_sec":     fn.TimeoutSec,
		"memory_limit_mb": fn.MemoryLimitMB,
		"created_at":      fn.CreatedAt,
		"updated_at":      fn.UpdatedAt,
	}
}

func decodeFunction(doc map[string]any) *types.Function {
	fn := &types.Function{}
	if v, ok := doc["function_id"].(string); ok {
		fn.FunctionID = v
	}
	if v, ok := doc["app_id"].(string); ok {
		fn.AppID = v
	}
	if v, ok := doc["function_name"].(string); ok {
		fn.FunctionName = v
	}
	if v, ok := doc["function_type"].(string); ok {
		fn.FunctionType = types.FunctionType(v)
	}
	if v, ok := doc["status"].(string); ok {
		fn.Status = types.FunctionStatus(v)
	}
	if v, ok := doc["code"].(string); ok {
		fn.Code = v
	}
	fn.Tags = toStringSlice(doc["tags"])
	if v, ok := doc["timeout_sec"].(int); ok {
		fn.TimeoutSec = v
	}
	if v, ok := doc["memory_limit_mb"].(int); ok {
		fn.MemoryLimitMB = v
	}
	return fn
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func toStringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		if s, ok := r.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
