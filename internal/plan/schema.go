package plan

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	_ "embed"

	xerrors "ToolMind/internal/errors"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed step_schema.json
var stepSchemaJSON string

var (
	compileOnce sync.Once
	stepSchema  *jsonschema.Schema
	compileErr  error
)

// StepSchema 返回编译后的步骤 JSON Schema。
func StepSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("step_schema.json", strings.NewReader(stepSchemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		schema, err := compiler.Compile("step_schema.json")
		if err != nil {
			compileErr = fmt.Errorf("compile step schema: %w", err)
			return
		}
		stepSchema = schema
	})
	return stepSchema, compileErr
}

// ValidateStep 校验单个步骤定义并解析为 Step。
func ValidateStep(raw json.RawMessage) (*Step, error) {
	schema, err := StepSchema()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "加载步骤 schema 失败")
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, xerrors.Wrap(CodeValidation, err, "步骤不是合法的 JSON")
	}
	if err := schema.Validate(doc); err != nil {
		return nil, xerrors.Wrap(CodeValidation, err, "步骤不符合 schema")
	}

	var step Step
	if err := json.Unmarshal(raw, &step); err != nil {
		return nil, xerrors.Wrap(CodeValidation, err, "解析步骤失败")
	}
	step.StepID = strings.TrimSpace(step.StepID)
	if step.StepID == "" || strings.TrimSpace(step.Title) == "" {
		return nil, xerrors.New(CodeValidation, "step_id 与 title 不能为空")
	}
	// 执行结果只能由执行器写入。
	step.Result = ""
	return &step, nil
}
